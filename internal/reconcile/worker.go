// Package reconcile bridges the transaction state machine and the payment
// gateway: it dispatches deposits/withdrawals to the provider, ingests
// webhooks, and polls for stuck transactions. Every terminal decision funnels
// through bank.Service.Resolve, so the at-most-once settlement guarantee
// lives in exactly one place.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/spinbank/internal/gateway"
	"github.com/MarkoPoloResearchLab/spinbank/internal/notify"
	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultWorkerCount    = 2
	defaultQueueSize      = 128
	defaultGatewayTimeout = 20 * time.Second
	defaultNotifyTimeout  = 10 * time.Second
	defaultPollInterval   = 2 * time.Minute
	defaultPollAge        = 5 * time.Minute
	defaultPollBatch      = 50
)

// Ledger is the slice of bank.Service the worker drives.
type Ledger interface {
	Transaction(ctx context.Context, transactionID string) (bank.Transaction, error)
	TransactionByReference(ctx context.Context, reference string) (bank.Transaction, error)
	MarkProcessing(ctx context.Context, transactionID string, externalRef string, metaPatch map[string]any) error
	Resolve(ctx context.Context, transactionID string, terminal bank.Status, metaPatch map[string]any) (bank.Resolution, error)
	ListProcessingOlderThan(ctx context.Context, cutoffUnixUTC int64, limit int) ([]bank.Transaction, error)
}

// PlayerDirectory resolves the mobile-money address for a player.
type PlayerDirectory interface {
	PhoneNumber(ctx context.Context, playerID string) (string, error)
}

// Config tunes the worker pool and the credits-to-settlement conversion.
type Config struct {
	ExchangeRate       decimal.Decimal
	SettlementCurrency string
	Workers            int
	QueueSize          int
	GatewayTimeout     time.Duration
	PollInterval       time.Duration
	PollAge            time.Duration
	PollBatch          int
	DepositNote        string
	WithdrawalNote     string
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAge <= 0 {
		cfg.PollAge = defaultPollAge
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = "UGX"
	}
	if cfg.ExchangeRate.IsZero() {
		cfg.ExchangeRate = decimal.NewFromInt(25)
	}
	return cfg
}

type jobKind string

const (
	jobDeposit    jobKind = "deposit"
	jobWithdrawal jobKind = "withdrawal"
)

type job struct {
	kind          jobKind
	transactionID string
}

// Worker runs the outbound dispatch queue and the status poller.
type Worker struct {
	ledger   Ledger
	gateway  gateway.Gateway
	players  PlayerDirectory
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config
	jobs     chan job
	nowFn    func() time.Time
}

// New wires a Worker.
func New(ledger Ledger, paymentGateway gateway.Gateway, players PlayerDirectory, notifier notify.Notifier, logger *zap.Logger, cfg Config) (*Worker, error) {
	if ledger == nil || paymentGateway == nil || players == nil {
		return nil, fmt.Errorf("reconcile: ledger, gateway, and player directory are required")
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		ledger:   ledger,
		gateway:  paymentGateway,
		players:  players,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(chan job, cfg.QueueSize),
		nowFn:    time.Now,
	}, nil
}

// Run blocks until ctx is cancelled, consuming dispatch jobs and polling for
// stuck transactions.
func (worker *Worker) Run(ctx context.Context) {
	for index := 0; index < worker.cfg.Workers; index++ {
		go worker.consume(ctx)
	}
	ticker := time.NewTicker(worker.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.pollOnce(ctx)
		}
	}
}

// EnqueueDeposit schedules the gateway collection call for a pending deposit.
func (worker *Worker) EnqueueDeposit(ctx context.Context, transactionID string) error {
	return worker.enqueue(ctx, job{kind: jobDeposit, transactionID: transactionID})
}

// EnqueueWithdrawal schedules the gateway payout call for a reserved withdrawal.
func (worker *Worker) EnqueueWithdrawal(ctx context.Context, transactionID string) error {
	return worker.enqueue(ctx, job{kind: jobWithdrawal, transactionID: transactionID})
}

func (worker *Worker) enqueue(ctx context.Context, pending job) error {
	select {
	case worker.jobs <- pending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (worker *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-worker.jobs:
			worker.process(ctx, pending)
		}
	}
}

func (worker *Worker) process(ctx context.Context, pending job) {
	transaction, err := worker.ledger.Transaction(ctx, pending.transactionID)
	if err != nil {
		worker.logger.Error("dispatch: transaction lookup failed",
			zap.String("transaction_id", pending.transactionID),
			zap.Error(err),
		)
		return
	}
	if transaction.Status.Terminal() {
		// Retried job raced a webhook; the first terminal transition won.
		return
	}

	phone, err := worker.players.PhoneNumber(ctx, transaction.PlayerID)
	if err != nil {
		worker.failTransaction(ctx, transaction, fmt.Sprintf("player phone lookup failed: %v", err))
		return
	}

	amountCredits := transaction.AmountCredits
	if amountCredits < 0 {
		amountCredits = -amountCredits
	}
	amountSettlement := decimal.NewFromInt(amountCredits).Mul(worker.cfg.ExchangeRate)

	callCtx, cancel := context.WithTimeout(ctx, worker.cfg.GatewayTimeout)
	defer cancel()

	var response gateway.Response
	switch pending.kind {
	case jobDeposit:
		response, err = worker.gateway.RequestCollection(callCtx, phone, amountSettlement, worker.cfg.SettlementCurrency, worker.cfg.DepositNote)
	case jobWithdrawal:
		response, err = worker.gateway.SendPayout(callCtx, phone, amountSettlement, worker.cfg.SettlementCurrency, worker.cfg.WithdrawalNote)
	default:
		worker.logger.Error("dispatch: unknown job kind", zap.String("kind", string(pending.kind)))
		return
	}
	if err != nil {
		worker.failTransaction(ctx, transaction, err.Error())
		return
	}

	meta := map[string]any{
		"provider_response": response.Raw,
		"provider_status":   response.Status,
		"amount_credits":    amountCredits,
		"amount_ugx":        amountSettlement.String(),
		"exchange_rate":     worker.cfg.ExchangeRate.String(),
	}
	if err := worker.ledger.MarkProcessing(ctx, transaction.TransactionID, response.Reference, meta); err != nil {
		worker.logger.Error("dispatch: mark processing failed",
			zap.String("transaction_id", transaction.TransactionID),
			zap.Error(err),
		)
		return
	}

	// Some rails settle synchronously; apply the terminal transition now.
	if mapped, terminal := bank.MapProviderStatus(response.Status); terminal {
		worker.resolveAndNotify(ctx, transaction.TransactionID, mapped, nil)
	}
}

// failTransaction applies the gateway-error path: the transaction moves to
// failed and, for withdrawals, Resolve refunds the reserved funds.
func (worker *Worker) failTransaction(ctx context.Context, transaction bank.Transaction, reason string) {
	worker.logger.Warn("dispatch: gateway call failed",
		zap.String("transaction_id", transaction.TransactionID),
		zap.String("type", transaction.Type.String()),
		zap.String("reason", reason),
	)
	worker.resolveAndNotify(ctx, transaction.TransactionID, bank.StatusFailed, map[string]any{"error": reason})
}

func (worker *Worker) resolveAndNotify(ctx context.Context, transactionID string, terminal bank.Status, metaPatch map[string]any) {
	resolution, err := worker.ledger.Resolve(ctx, transactionID, terminal, metaPatch)
	if err != nil {
		worker.logger.Error("resolve failed",
			zap.String("transaction_id", transactionID),
			zap.String("terminal", terminal.String()),
			zap.Error(err),
		)
		return
	}
	if resolution.Applied {
		worker.notifyResolved(resolution.Transaction, terminal)
	}
}

// notifyResolved messages the player off the request path. Failures are
// logged and dropped; they never affect the ledger transition.
func (worker *Worker) notifyResolved(transaction bank.Transaction, terminal bank.Status) {
	go func() {
		noticeCtx, cancel := context.WithTimeout(context.Background(), defaultNotifyTimeout)
		defer cancel()
		phone, err := worker.players.PhoneNumber(noticeCtx, transaction.PlayerID)
		if err != nil {
			worker.logger.Warn("notify: phone lookup failed",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(err),
			)
		}
		notice := notify.TransactionNotice{
			PlayerID:      transaction.PlayerID,
			Phone:         phone,
			TransactionID: transaction.TransactionID,
			Type:          transaction.Type.String(),
			Status:        terminal.String(),
			AmountCredits: transaction.AmountCredits,
		}
		if err := worker.notifier.NotifyTransaction(noticeCtx, notice); err != nil {
			worker.logger.Warn("notify: delivery failed",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(err),
			)
		}
	}()
}
