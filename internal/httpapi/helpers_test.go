package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/adminconfig"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/spin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningKey  = "test-session-key"
	testIssuer      = "spinbank"
	testOutcomeKey  = "test-outcome-secret"
	testMachineID   = "machine-1"
	testPlayerID    = "player-1"
	testPlayerPhone = "+256700000001"
)

// memStore is a minimal in-memory bank.Store for handler tests. WithTx
// snapshots state so a failing unit rolls back like a real transaction.
type memStore struct {
	mu             sync.Mutex
	wallets        map[string]bank.Wallet
	walletByPlayer map[string]string
	transactions   map[string]bank.Transaction
	spins          []bank.SpinRecord
	seenNonces     map[string]bool
	walletCount    int
}

func newMemStore() *memStore {
	return &memStore{
		wallets:        map[string]bank.Wallet{},
		walletByPlayer: map[string]string{},
		transactions:   map[string]bank.Transaction{},
		seenNonces:     map[string]bool{},
	}
}

func (store *memStore) snapshot() *memStore {
	store.mu.Lock()
	defer store.mu.Unlock()
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
	store.mu.Lock()
	defer store.mu.Unlock()
	store.wallets = saved.wallets
	store.walletByPlayer = saved.walletByPlayer
	store.transactions = saved.transactions
	store.spins = saved.spins
	store.seenNonces = saved.seenNonces
	store.walletCount = saved.walletCount
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore bank.Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *memStore) GetOrCreateWallet(_ context.Context, playerID bank.PlayerID) (bank.Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if walletID, ok := store.walletByPlayer[playerID.String()]; ok {
		return store.wallets[walletID], nil
	}
	store.walletCount++
	walletID := fmt.Sprintf("wallet-%d", store.walletCount)
	wallet := bank.Wallet{WalletID: walletID, PlayerID: playerID.String()}
	store.wallets[walletID] = wallet
	store.walletByPlayer[playerID.String()] = walletID
	return wallet, nil
}

func (store *memStore) LockWallet(_ context.Context, walletID string) (bank.Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[walletID]
	if !ok {
		return bank.Wallet{}, bank.ErrUnknownWallet
	}
	return wallet, nil
}

func (store *memStore) AddToBalance(_ context.Context, walletID string, deltaCredits int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	wallet, ok := store.wallets[walletID]
	if !ok {
		return 0, bank.ErrUnknownWallet
	}
	if wallet.BalanceCredits+deltaCredits < 0 {
		return 0, bank.ErrNegativeBalance
	}
	wallet.BalanceCredits += deltaCredits
	store.wallets[walletID] = wallet
	return wallet.BalanceCredits, nil
}

func (store *memStore) InsertTransaction(_ context.Context, transaction bank.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.transactions[transaction.TransactionID] = transaction
	return nil
}

func (store *memStore) GetTransaction(_ context.Context, transactionID string) (bank.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return bank.Transaction{}, bank.ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *memStore) GetTransactionForUpdate(ctx context.Context, transactionID string) (bank.Transaction, error) {
	return store.GetTransaction(ctx, transactionID)
}

func (store *memStore) FindTransactionByReference(_ context.Context, reference string) (bank.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.ExternalRef == reference {
			return transaction, nil
		}
	}
	return bank.Transaction{}, bank.ErrUnknownTransaction
}

func (store *memStore) UpdateTransactionStatus(_ context.Context, transactionID string, from []bank.Status, to bank.Status) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return false, bank.ErrUnknownTransaction
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
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return bank.ErrUnknownTransaction
	}
	transaction.ExternalRef = reference
	store.transactions[transactionID] = transaction
	return nil
}

func (store *memStore) MergeTransactionMeta(_ context.Context, transactionID string, patch map[string]any) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transaction, ok := store.transactions[transactionID]
	if !ok {
		return bank.ErrUnknownTransaction
	}
	merged := map[string]any{}
	_ = json.Unmarshal([]byte(transaction.MetadataJSON), &merged)
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

func (store *memStore) InsertSpin(_ context.Context, record bank.SpinRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if record.ServerNonce != "" && store.seenNonces[record.ServerNonce] {
		return bank.ErrDuplicateNonce
	}
	store.seenNonces[record.ServerNonce] = true
	store.spins = append(store.spins, record)
	return nil
}

func (store *memStore) ListProcessingOlderThan(_ context.Context, _ int64, _ int) ([]bank.Transaction, error) {
	return nil, nil
}

type stubCatalog struct {
	machines map[string]spin.Machine
}

func (catalog *stubCatalog) ListActiveMachines(_ context.Context) ([]spin.Machine, error) {
	listed := make([]spin.Machine, 0, len(catalog.machines))
	for _, machine := range catalog.machines {
		listed = append(listed, machine)
	}
	return listed, nil
}

func (catalog *stubCatalog) GetMachine(_ context.Context, machineID string) (spin.Machine, error) {
	machine, ok := catalog.machines[machineID]
	if !ok {
		return spin.Machine{}, spin.ErrUnknownMachine
	}
	return machine, nil
}

type stubDispatcher struct {
	mu          sync.Mutex
	deposits    []string
	withdrawals []string
	webhookErr  error
	webhooks    [][]byte
}

func (dispatcher *stubDispatcher) EnqueueDeposit(_ context.Context, transactionID string) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.deposits = append(dispatcher.deposits, transactionID)
	return nil
}

func (dispatcher *stubDispatcher) EnqueueWithdrawal(_ context.Context, transactionID string) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.withdrawals = append(dispatcher.withdrawals, transactionID)
	return nil
}

func (dispatcher *stubDispatcher) HandleWebhook(_ context.Context, _ string, rawBody []byte) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.webhooks = append(dispatcher.webhooks, rawBody)
	return dispatcher.webhookErr
}

type stubRegistry struct {
	mu      sync.Mutex
	players map[string]string
}

func (registry *stubRegistry) EnsurePlayer(_ context.Context, playerID string, phone string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.players == nil {
		registry.players = map[string]string{}
	}
	registry.players[playerID] = phone
	return nil
}

type testEnv struct {
	handler    http.Handler
	store      *memStore
	bank       *bank.Service
	engine     *spin.Engine
	dispatcher *stubDispatcher
	registry   *stubRegistry
	configs    *adminconfig.Service
}

type adminStubStore struct {
	config *adminconfig.Config
}

func (store *adminStubStore) LoadAdminConfig(_ context.Context) (adminconfig.Config, error) {
	if store.config == nil {
		return adminconfig.Config{}, adminconfig.ErrConfigNotFound
	}
	return *store.config, nil
}

func (store *adminStubStore) SaveAdminConfig(_ context.Context, config adminconfig.Config) error {
	store.config = &config
	return nil
}

func newTestEnv(test *testing.T, cfg Config) *testEnv {
	test.Helper()
	store := newMemStore()
	counter := 0
	bankService, err := bank.NewService(store, func() int64 { return 1700000000 }, bank.WithIDGenerator(func() string {
		counter++
		return fmt.Sprintf("id-%d", counter)
	}))
	if err != nil {
		test.Fatalf("bank service: %v", err)
	}
	engine, err := spin.NewEngine(rand.New(rand.NewSource(7)), []byte(testOutcomeKey))
	if err != nil {
		test.Fatalf("spin engine: %v", err)
	}
	configs, err := adminconfig.NewService(&adminStubStore{}, nil)
	if err != nil {
		test.Fatalf("admin config: %v", err)
	}
	dispatcher := &stubDispatcher{}
	registry := &stubRegistry{}
	catalog := &stubCatalog{machines: map[string]spin.Machine{
		testMachineID: {
			MachineID: testMachineID,
			Name:      "Neon Classic",
			Active:    true,
			RTP:       0.96,
			Paytable: []spin.PaytableEntry{
				{ID: "cherry", Multiplier: 2},
				{ID: "lemon", Multiplier: 3},
				{ID: "seven", Multiplier: 20},
			},
		},
	}}

	if cfg.SessionSigningKey == "" {
		cfg.SessionSigningKey = testSigningKey
	}
	handler, err := NewHandler(cfg, Deps{
		Bank:        bankService,
		Engine:      engine,
		AdminConfig: configs,
		Machines:    catalog,
		Players:     registry,
		Dispatch:    dispatcher,
	})
	if err != nil {
		test.Fatalf("new handler: %v", err)
	}
	return &testEnv{
		handler:    handler,
		store:      store,
		bank:       bankService,
		engine:     engine,
		dispatcher: dispatcher,
		registry:   registry,
		configs:    configs,
	}
}

func (env *testEnv) fund(test *testing.T, playerID string, amount int64) {
	test.Helper()
	parsed, err := bank.NewPlayerID(playerID)
	if err != nil {
		test.Fatalf("player id: %v", err)
	}
	wallet, err := env.bank.Balance(context.Background(), parsed)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if _, err := env.store.AddToBalance(context.Background(), wallet.WalletID, amount); err != nil {
		test.Fatalf("fund: %v", err)
	}
}

func signToken(test *testing.T, playerID string, roles ...string) string {
	test.Helper()
	claims := &SessionClaims{
		Phone: testPlayerPhone,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func decodeBody(test *testing.T, raw []byte) map[string]any {
	test.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		test.Fatalf("decode response %s: %v", raw, err)
	}
	return decoded
}
