package bank

import (
	"context"
	"fmt"
	"strings"
)

// MapProviderStatus folds a provider-reported status string into the internal
// vocabulary. The second return reports whether the status is terminal;
// non-terminal provider statuses all map to processing, with the raw string
// preserved by callers in transaction meta.
func MapProviderStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "success":
		return StatusCompleted, true
	case "failed", "error", "rejected":
		return StatusFailed, true
	case "pending":
		return StatusPending, false
	default:
		return StatusProcessing, false
	}
}

// MarkProcessing moves a pending transaction to processing, records the
// provider reference, and merges audit metadata. Terminal transactions only
// absorb the metadata; their status and ledger effect stay untouched.
func (service *Service) MarkProcessing(ctx context.Context, transactionID string, externalRef string, metaPatch map[string]any) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if len(metaPatch) > 0 {
			if err := transactionStore.MergeTransactionMeta(ctx, transactionID, metaPatch); err != nil {
				return err
			}
		}
		if transaction.Status.Terminal() {
			return nil
		}
		if externalRef != "" && transaction.ExternalRef == "" {
			if err := transactionStore.SetExternalRef(ctx, transactionID, externalRef); err != nil {
				return err
			}
		}
		if transaction.Status == StatusPending {
			if _, err := transactionStore.UpdateTransactionStatus(ctx, transactionID, []Status{StatusPending}, StatusProcessing); err != nil {
				return err
			}
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationResolve,
		TransactionID: transactionID,
		Status:        StatusProcessing.String(),
		Error:         operationError,
	})
	return operationError
}

// Resolve applies a terminal transition exactly once. It is the single shared
// path for the dispatch job, inbound webhooks, and the status poller, so a
// duplicate report of the same terminal state is a metadata-only no-op:
// double-crediting and double-refunding are structurally impossible.
//
// Ledger effects on first application:
//   - deposit completed: credit the wallet with the deposit amount
//   - withdrawal failed: refund the reserved amount
//   - deposit failed / withdrawal completed: no further movement
func (service *Service) Resolve(ctx context.Context, transactionID string, terminal Status, metaPatch map[string]any) (Resolution, error) {
	if !terminal.Terminal() {
		return Resolution{}, fmt.Errorf("%w: resolve requires a terminal status, got %q", ErrInvalidStatus, terminal)
	}
	var resolution Resolution
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if len(metaPatch) > 0 {
			if err := transactionStore.MergeTransactionMeta(ctx, transactionID, metaPatch); err != nil {
				return err
			}
		}
		if transaction.Status.Terminal() {
			resolution = Resolution{Transaction: transaction, Applied: false}
			return nil
		}

		switch {
		case transaction.Type == TypeDeposit && terminal == StatusCompleted:
			if _, err := transactionStore.LockWallet(ctx, transaction.WalletID); err != nil {
				return err
			}
			if _, err := transactionStore.AddToBalance(ctx, transaction.WalletID, transaction.AmountCredits); err != nil {
				return err
			}
		case transaction.Type == TypeWithdrawal && terminal == StatusFailed:
			if _, err := transactionStore.LockWallet(ctx, transaction.WalletID); err != nil {
				return err
			}
			refund := transaction.AmountCredits
			if refund < 0 {
				refund = -refund
			}
			if _, err := transactionStore.AddToBalance(ctx, transaction.WalletID, refund); err != nil {
				return err
			}
		}

		updated, err := transactionStore.UpdateTransactionStatus(ctx, transactionID, []Status{StatusPending, StatusProcessing}, terminal)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s", ErrTransactionSettled, transactionID)
		}
		transaction.Status = terminal
		resolution = Resolution{Transaction: transaction, Applied: true}
		return nil
	})
	status := operationStatusNoop
	if resolution.Applied {
		status = terminal.String()
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationResolve,
		PlayerID:      resolution.Transaction.PlayerID,
		TransactionID: transactionID,
		Amount:        resolution.Transaction.AmountCredits,
		Status:        status,
		Error:         operationError,
	})
	if operationError != nil {
		return Resolution{}, operationError
	}
	return resolution, nil
}
