package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/gateway"
	"github.com/MarkoPoloResearchLab/spinbank/internal/notify"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type markCall struct {
	transactionID string
	externalRef   string
	meta          map[string]any
}

type resolveCall struct {
	transactionID string
	terminal      bank.Status
	meta          map[string]any
}

type fakeLedger struct {
	mu           sync.Mutex
	transactions map[string]bank.Transaction
	marked       []markCall
	resolved     []resolveCall
}

func newFakeLedger(transactions ...bank.Transaction) *fakeLedger {
	ledger := &fakeLedger{transactions: map[string]bank.Transaction{}}
	for _, transaction := range transactions {
		ledger.transactions[transaction.TransactionID] = transaction
	}
	return ledger
}

func (ledger *fakeLedger) Transaction(_ context.Context, transactionID string) (bank.Transaction, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	transaction, ok := ledger.transactions[transactionID]
	if !ok {
		return bank.Transaction{}, bank.ErrUnknownTransaction
	}
	return transaction, nil
}

func (ledger *fakeLedger) TransactionByReference(_ context.Context, reference string) (bank.Transaction, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	for _, transaction := range ledger.transactions {
		if transaction.ExternalRef == reference {
			return transaction, nil
		}
	}
	return bank.Transaction{}, bank.ErrUnknownTransaction
}

func (ledger *fakeLedger) MarkProcessing(_ context.Context, transactionID string, externalRef string, metaPatch map[string]any) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	transaction, ok := ledger.transactions[transactionID]
	if !ok {
		return bank.ErrUnknownTransaction
	}
	ledger.marked = append(ledger.marked, markCall{transactionID: transactionID, externalRef: externalRef, meta: metaPatch})
	if transaction.Status.Terminal() {
		return nil
	}
	if externalRef != "" && transaction.ExternalRef == "" {
		transaction.ExternalRef = externalRef
	}
	if transaction.Status == bank.StatusPending {
		transaction.Status = bank.StatusProcessing
	}
	ledger.transactions[transactionID] = transaction
	return nil
}

func (ledger *fakeLedger) Resolve(_ context.Context, transactionID string, terminal bank.Status, metaPatch map[string]any) (bank.Resolution, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	transaction, ok := ledger.transactions[transactionID]
	if !ok {
		return bank.Resolution{}, bank.ErrUnknownTransaction
	}
	ledger.resolved = append(ledger.resolved, resolveCall{transactionID: transactionID, terminal: terminal, meta: metaPatch})
	if transaction.Status.Terminal() {
		return bank.Resolution{Transaction: transaction, Applied: false}, nil
	}
	transaction.Status = terminal
	ledger.transactions[transactionID] = transaction
	return bank.Resolution{Transaction: transaction, Applied: true}, nil
}

func (ledger *fakeLedger) ListProcessingOlderThan(_ context.Context, cutoffUnixUTC int64, limit int) ([]bank.Transaction, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	matched := make([]bank.Transaction, 0)
	for _, transaction := range ledger.transactions {
		if transaction.Status == bank.StatusProcessing && transaction.CreatedUnixUTC < cutoffUnixUTC && len(matched) < limit {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (ledger *fakeLedger) status(test *testing.T, transactionID string) bank.Status {
	test.Helper()
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	transaction, ok := ledger.transactions[transactionID]
	if !ok {
		test.Fatalf("unknown transaction %s", transactionID)
	}
	return transaction.Status
}

type gatewayCall struct {
	payeeAddress string
	amount       decimal.Decimal
	currency     string
}

type fakeGateway struct {
	mu             sync.Mutex
	collections    []gatewayCall
	payouts        []gatewayCall
	response       gateway.Response
	err            error
	statusResponse gateway.Response
	statusErr      error
	validSignature bool
}

func (provider *fakeGateway) RequestCollection(_ context.Context, payeeAddress string, amount decimal.Decimal, currency string, _ string) (gateway.Response, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.collections = append(provider.collections, gatewayCall{payeeAddress: payeeAddress, amount: amount, currency: currency})
	return provider.response, provider.err
}

func (provider *fakeGateway) SendPayout(_ context.Context, payeeAddress string, amount decimal.Decimal, currency string, _ string) (gateway.Response, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.payouts = append(provider.payouts, gatewayCall{payeeAddress: payeeAddress, amount: amount, currency: currency})
	return provider.response, provider.err
}

func (provider *fakeGateway) CheckStatus(_ context.Context, _ string) (gateway.Response, error) {
	return provider.statusResponse, provider.statusErr
}

func (provider *fakeGateway) VerifyWebhookSignature(_ string, _ []byte) bool {
	return provider.validSignature
}

type fakePlayers struct {
	phones map[string]string
}

func (players *fakePlayers) PhoneNumber(_ context.Context, playerID string) (string, error) {
	phone, ok := players.phones[playerID]
	if !ok {
		return "", fmt.Errorf("no phone for %s", playerID)
	}
	return phone, nil
}

func mustWorker(test *testing.T, ledger Ledger, provider gateway.Gateway, players PlayerDirectory) *Worker {
	test.Helper()
	worker, err := New(ledger, provider, players, notify.NewLogNotifier(zap.NewNop()), zap.NewNop(), Config{})
	if err != nil {
		test.Fatalf("new worker: %v", err)
	}
	return worker
}

func pendingDeposit(transactionID string, amountCredits int64) bank.Transaction {
	return bank.Transaction{
		TransactionID:  transactionID,
		PlayerID:       "player-1",
		WalletID:       "wallet-1",
		Type:           bank.TypeDeposit,
		AmountCredits:  amountCredits,
		Status:         bank.StatusPending,
		MetadataJSON:   "{}",
		CreatedUnixUTC: time.Now().UTC().Unix(),
	}
}

func processingWithdrawal(transactionID string, amountCredits int64) bank.Transaction {
	return bank.Transaction{
		TransactionID:  transactionID,
		PlayerID:       "player-1",
		WalletID:       "wallet-1",
		Type:           bank.TypeWithdrawal,
		AmountCredits:  -amountCredits,
		Status:         bank.StatusProcessing,
		MetadataJSON:   "{}",
		CreatedUnixUTC: time.Now().UTC().Unix(),
	}
}

func TestProcessDepositConvertsCreditsAndMarksProcessing(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger(pendingDeposit("tx-1", 40))
	provider := &fakeGateway{response: gateway.Response{Status: "pending", Reference: "prov-1", Raw: map[string]any{"status": "pending"}}}
	players := &fakePlayers{phones: map[string]string{"player-1": "+256700000001"}}
	worker := mustWorker(test, ledger, provider, players)

	worker.process(context.Background(), job{kind: jobDeposit, transactionID: "tx-1"})

	if len(provider.collections) != 1 {
		test.Fatalf("expected one collection call, got %d", len(provider.collections))
	}
	call := provider.collections[0]
	if call.payeeAddress != "+256700000001" {
		test.Fatalf("unexpected payee: %s", call.payeeAddress)
	}
	if !call.amount.Equal(decimal.NewFromInt(1000)) {
		test.Fatalf("expected 40 credits * 25 = 1000, got %s", call.amount)
	}
	if call.currency != "UGX" {
		test.Fatalf("unexpected currency: %s", call.currency)
	}

	if len(ledger.marked) != 1 || ledger.marked[0].externalRef != "prov-1" {
		test.Fatalf("expected processing mark with provider reference, got %+v", ledger.marked)
	}
	if ledger.marked[0].meta["amount_ugx"] != "1000" {
		test.Fatalf("expected settlement amount in meta, got %+v", ledger.marked[0].meta)
	}
	if len(ledger.resolved) != 0 {
		test.Fatalf("interim status must not resolve, got %+v", ledger.resolved)
	}
}

func TestProcessAppliesSynchronousCompletion(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger(pendingDeposit("tx-sync", 10))
	provider := &fakeGateway{response: gateway.Response{Status: "success", Reference: "prov-sync"}}
	players := &fakePlayers{phones: map[string]string{"player-1": "+256700000001"}}
	worker := mustWorker(test, ledger, provider, players)

	worker.process(context.Background(), job{kind: jobDeposit, transactionID: "tx-sync"})

	if got := ledger.status(test, "tx-sync"); got != bank.StatusCompleted {
		test.Fatalf("expected completed, got %s", got)
	}
}

func TestProcessGatewayErrorFailsTransaction(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger(processingWithdrawal("tx-w", 40))
	provider := &fakeGateway{err: errors.New("connection refused")}
	players := &fakePlayers{phones: map[string]string{"player-1": "+256700000001"}}
	worker := mustWorker(test, ledger, provider, players)

	worker.process(context.Background(), job{kind: jobWithdrawal, transactionID: "tx-w"})

	if len(ledger.resolved) != 1 || ledger.resolved[0].terminal != bank.StatusFailed {
		test.Fatalf("gateway error must fail the transaction, got %+v", ledger.resolved)
	}
	if ledger.resolved[0].meta["error"] == "" {
		test.Fatalf("failure reason must be recorded")
	}
}

func TestProcessSkipsTerminalTransaction(test *testing.T) {
	test.Parallel()
	settled := pendingDeposit("tx-done", 10)
	settled.Status = bank.StatusCompleted
	ledger := newFakeLedger(settled)
	provider := &fakeGateway{}
	players := &fakePlayers{phones: map[string]string{"player-1": "+256700000001"}}
	worker := mustWorker(test, ledger, provider, players)

	worker.process(context.Background(), job{kind: jobDeposit, transactionID: "tx-done"})

	if len(provider.collections) != 0 {
		test.Fatalf("terminal transaction must not reach the gateway")
	}
}

func TestProcessMissingPhoneFailsTransaction(test *testing.T) {
	test.Parallel()
	ledger := newFakeLedger(pendingDeposit("tx-nophone", 10))
	provider := &fakeGateway{}
	players := &fakePlayers{phones: map[string]string{}}
	worker := mustWorker(test, ledger, provider, players)

	worker.process(context.Background(), job{kind: jobDeposit, transactionID: "tx-nophone"})

	if got := ledger.status(test, "tx-nophone"); got != bank.StatusFailed {
		test.Fatalf("missing phone must fail the transaction, got %s", got)
	}
	if len(provider.collections) != 0 {
		test.Fatalf("no gateway call expected without a phone")
	}
}
