package bank

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the wallet and transaction domain logic over a Store.
// All balance mutations lock the wallet row first, so concurrent spins,
// settlements, and webhooks for the same wallet serialize.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithIDGenerator overrides transaction/spin id generation (tests).
func WithIDGenerator(newID func() string) ServiceOption {
	return func(service *Service) {
		if newID != nil {
			service.newID = newID
		}
	}
}

// Balance returns the player's wallet, creating it on first access.
func (service *Service) Balance(ctx context.Context, playerID PlayerID) (Wallet, error) {
	wallet, err := service.store.GetOrCreateWallet(ctx, playerID)
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		PlayerID:  playerID.String(),
		Error:     err,
	})
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// SpinOutcome carries the engine result fields the ledger needs to settle.
type SpinOutcome struct {
	PayoutCredits   int64
	ResultJSON      string
	ServerNonce     string
	ServerSignature string
}

// SettleSpin applies a full spin as one atomic unit: debit the bet, credit
// any payout, and append the bet/win transactions plus the spin audit row.
// A storage failure at any step rolls back every effect.
func (service *Service) SettleSpin(ctx context.Context, playerID PlayerID, bet Credits, outcome SpinOutcome) (SpinSettlement, error) {
	var settlement SpinSettlement
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetOrCreateWallet(ctx, playerID)
		if err != nil {
			return err
		}
		locked, err := transactionStore.LockWallet(ctx, wallet.WalletID)
		if err != nil {
			return err
		}
		if locked.BalanceCredits < bet.Int64() {
			return ErrInsufficientFunds
		}
		newBalance, err := transactionStore.AddToBalance(ctx, wallet.WalletID, -bet.Int64())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		betTransaction, err := NewSpinBet(service.newID(), playerID, wallet.WalletID, bet, nowUnixUTC)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, betTransaction); err != nil {
			return err
		}
		settlement.BetTransactionID = betTransaction.TransactionID

		if outcome.PayoutCredits > 0 {
			payout, err := NewCredits(outcome.PayoutCredits)
			if err != nil {
				return err
			}
			newBalance, err = transactionStore.AddToBalance(ctx, wallet.WalletID, payout.Int64())
			if err != nil {
				return err
			}
			winTransaction, err := NewSpinWin(service.newID(), playerID, wallet.WalletID, payout, nowUnixUTC)
			if err != nil {
				return err
			}
			if err := transactionStore.InsertTransaction(ctx, winTransaction); err != nil {
				return err
			}
			settlement.WinTransactionID = winTransaction.TransactionID
		}

		record := SpinRecord{
			SpinID:          service.newID(),
			PlayerID:        playerID.String(),
			BetCredits:      bet.Int64(),
			PayoutCredits:   outcome.PayoutCredits,
			ResultJSON:      outcome.ResultJSON,
			ServerNonce:     outcome.ServerNonce,
			ServerSignature: outcome.ServerSignature,
			CreatedUnixUTC:  nowUnixUTC,
		}
		if err := transactionStore.InsertSpin(ctx, record); err != nil {
			return err
		}
		settlement.SpinID = record.SpinID
		settlement.NewBalance = newBalance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSpin,
		PlayerID:      playerID.String(),
		TransactionID: settlement.BetTransactionID,
		Amount:        bet.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return SpinSettlement{}, operationError
	}
	return settlement, nil
}

// InitiateDeposit records a pending deposit. The wallet is untouched until
// the provider confirms; the reconciliation worker drives the rest.
func (service *Service) InitiateDeposit(ctx context.Context, playerID PlayerID, amount Credits) (Transaction, error) {
	var created Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetOrCreateWallet(ctx, playerID)
		if err != nil {
			return err
		}
		deposit, err := NewDeposit(service.newID(), playerID, wallet.WalletID, amount, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, deposit); err != nil {
			return err
		}
		created = deposit
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeposit,
		PlayerID:      playerID.String(),
		TransactionID: created.TransactionID,
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return created, nil
}

// InitiateWithdrawal reserves the funds immediately: the wallet is debited
// and a processing withdrawal is recorded in the same atomic unit. A later
// provider failure refunds through Resolve.
func (service *Service) InitiateWithdrawal(ctx context.Context, playerID PlayerID, amount Credits) (Transaction, int64, error) {
	var created Transaction
	var newBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.GetOrCreateWallet(ctx, playerID)
		if err != nil {
			return err
		}
		locked, err := transactionStore.LockWallet(ctx, wallet.WalletID)
		if err != nil {
			return err
		}
		if locked.BalanceCredits < amount.Int64() {
			return ErrInsufficientFunds
		}
		newBalance, err = transactionStore.AddToBalance(ctx, wallet.WalletID, -amount.Int64())
		if err != nil {
			return err
		}
		withdrawal, err := NewWithdrawal(service.newID(), playerID, wallet.WalletID, amount, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, withdrawal); err != nil {
			return err
		}
		created = withdrawal
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationWithdrawal,
		PlayerID:      playerID.String(),
		TransactionID: created.TransactionID,
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, 0, operationError
	}
	return created, newBalance, nil
}

// Transaction fetches a transaction by id.
func (service *Service) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	return service.store.GetTransaction(ctx, transactionID)
}

// TransactionByReference locates a transaction by its provider reference,
// matching external_ref exactly and falling back to the reference nested in
// previously stored provider responses.
func (service *Service) TransactionByReference(ctx context.Context, reference string) (Transaction, error) {
	return service.store.FindTransactionByReference(ctx, reference)
}

// ListProcessingOlderThan returns processing transactions created before the
// cutoff, for the status poller.
func (service *Service) ListProcessingOlderThan(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListProcessingOlderThan(ctx, cutoffUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
