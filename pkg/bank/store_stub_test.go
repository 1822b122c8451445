package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

// memStore is an in-memory Store with snapshot rollback, so WithTx behaves
// like a real database transaction.
type memStore struct {
	wallets        map[string]Wallet
	walletByPlayer map[string]string
	transactions   map[string]Transaction
	spins          []SpinRecord
	seenNonces     map[string]bool
	walletCount    int
	failInsertSpin bool
}

func newMemStore() *memStore {
	return &memStore{
		wallets:        map[string]Wallet{},
		walletByPlayer: map[string]string{},
		transactions:   map[string]Transaction{},
		seenNonces:     map[string]bool{},
	}
}

func (store *memStore) snapshot() *memStore {
	copied := newMemStore()
	for key, value := range store.wallets {
		copied.wallets[key] = value
	}
	for key, value := range store.walletByPlayer {
		copied.walletByPlayer[key] = value
	}
	for key, value := range store.transactions {
		copied.transactions[key] = value
	}
	for key := range store.seenNonces {
		copied.seenNonces[key] = true
	}
	copied.spins = append(copied.spins, store.spins...)
	copied.walletCount = store.walletCount
	return copied
}

func (store *memStore) restore(saved *memStore) {
	store.wallets = saved.wallets
	store.walletByPlayer = saved.walletByPlayer
	store.transactions = saved.transactions
	store.spins = saved.spins
	store.seenNonces = saved.seenNonces
	store.walletCount = saved.walletCount
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *memStore) GetOrCreateWallet(_ context.Context, playerID PlayerID) (Wallet, error) {
	if walletID, ok := store.walletByPlayer[playerID.String()]; ok {
		return store.wallets[walletID], nil
	}
	store.walletCount++
	walletID := fmt.Sprintf("wallet-%d", store.walletCount)
	wallet := Wallet{WalletID: walletID, PlayerID: playerID.String()}
	store.wallets[walletID] = wallet
	store.walletByPlayer[playerID.String()] = walletID
	return wallet, nil
}

func (store *memStore) LockWallet(_ context.Context, walletID string) (Wallet, error) {
	wallet, ok := store.wallets[walletID]
	if !ok {
		return Wallet{}, ErrUnknownWallet
	}
	return wallet, nil
}

func (store *memStore) AddToBalance(_ context.Context, walletID string, deltaCredits int64) (int64, error) {
	wallet, ok := store.wallets[walletID]
	if !ok {
		return 0, ErrUnknownWallet
	}
	if wallet.BalanceCredits+deltaCredits < 0 {
		return 0, ErrNegativeBalance
	}
	wallet.BalanceCredits += deltaCredits
	store.wallets[walletID] = wallet
	return wallet.BalanceCredits, nil
}

func (store *memStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if _, exists := store.transactions[transaction.TransactionID]; exists {
		return fmt.Errorf("duplicate transaction id %s", transaction.TransactionID)
	}
	store.transactions[transaction.TransactionID] = transaction
	return nil
}

func (store *memStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *memStore) GetTransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error) {
	return store.GetTransaction(ctx, transactionID)
}

func (store *memStore) FindTransactionByReference(_ context.Context, reference string) (Transaction, error) {
	for _, transaction := range store.transactions {
		if transaction.ExternalRef == reference {
			return transaction, nil
		}
		meta := map[string]any{}
		if err := json.Unmarshal([]byte(transaction.MetadataJSON), &meta); err != nil {
			continue
		}
		if providerResponse, ok := meta["provider_response"].(map[string]any); ok {
			if nested, _ := providerResponse["internal_reference"].(string); nested == reference {
				return transaction, nil
			}
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *memStore) UpdateTransactionStatus(_ context.Context, transactionID string, from []Status, to Status) (bool, error) {
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return false, ErrUnknownTransaction
	}
	for _, candidate := range from {
		if transaction.Status == candidate {
			transaction.Status = to
			store.transactions[transactionID] = transaction
			return true, nil
		}
	}
	return false, nil
}

func (store *memStore) SetExternalRef(_ context.Context, transactionID string, reference string) error {
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	transaction.ExternalRef = reference
	store.transactions[transactionID] = transaction
	return nil
}

func (store *memStore) MergeTransactionMeta(_ context.Context, transactionID string, patch map[string]any) error {
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return ErrUnknownTransaction
	}
	merged := map[string]any{}
	if err := json.Unmarshal([]byte(transaction.MetadataJSON), &merged); err != nil {
		return err
	}
	for key, value := range patch {
		merged[key] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	transaction.MetadataJSON = string(raw)
	store.transactions[transactionID] = transaction
	return nil
}

func (store *memStore) InsertSpin(_ context.Context, record SpinRecord) error {
	if store.failInsertSpin {
		return fmt.Errorf("spin insert rejected")
	}
	if record.ServerNonce != "" && store.seenNonces[record.ServerNonce] {
		return ErrDuplicateNonce
	}
	store.seenNonces[record.ServerNonce] = true
	store.spins = append(store.spins, record)
	return nil
}

func (store *memStore) ListProcessingOlderThan(_ context.Context, cutoffUnixUTC int64, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.Status == StatusProcessing && transaction.CreatedUnixUTC < cutoffUnixUTC {
			matched = append(matched, transaction)
		}
		if len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func mustPlayerID(test *testing.T, raw string) PlayerID {
	test.Helper()
	playerID, err := NewPlayerID(raw)
	if err != nil {
		test.Fatalf("player id %q: %v", raw, err)
	}
	return playerID
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	amount, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits %d: %v", raw, err)
	}
	return amount
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	counter := 0
	service, err := NewService(store, func() int64 { return 1700000000 }, WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustBalance(test *testing.T, service *Service, playerID PlayerID) int64 {
	test.Helper()
	wallet, err := service.Balance(context.Background(), playerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return wallet.BalanceCredits
}

func mustFund(test *testing.T, store *memStore, service *Service, playerID PlayerID, amount int64) {
	test.Helper()
	wallet, err := service.Balance(context.Background(), playerID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if _, err := store.AddToBalance(context.Background(), wallet.WalletID, amount); err != nil {
		test.Fatalf("fund wallet: %v", err)
	}
}
