package reconcile

import (
	"context"

	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"go.uber.org/zap"
)

// pollOnce re-queries the provider for transactions stuck in processing. A
// poll failure is logged and retried next tick; unlike the dispatch path it
// never fails the transaction, because the poll is a fallback read, not the
// money-moving call.
func (worker *Worker) pollOnce(ctx context.Context) {
	cutoff := worker.nowFn().Add(-worker.cfg.PollAge).UTC().Unix()
	stuck, err := worker.ledger.ListProcessingOlderThan(ctx, cutoff, worker.cfg.PollBatch)
	if err != nil {
		worker.logger.Error("poll: listing processing transactions failed", zap.Error(err))
		return
	}
	for _, transaction := range stuck {
		if transaction.ExternalRef == "" {
			// No provider reference means the dispatch never happened (a
			// dropped enqueue); there is nothing to poll, so re-dispatch.
			worker.redispatch(ctx, transaction)
			continue
		}
		worker.pollTransaction(ctx, transaction)
	}
}

func (worker *Worker) redispatch(ctx context.Context, transaction bank.Transaction) {
	var kind jobKind
	switch transaction.Type {
	case bank.TypeDeposit:
		kind = jobDeposit
	case bank.TypeWithdrawal:
		kind = jobWithdrawal
	default:
		return
	}
	worker.logger.Info("poll: re-dispatching unreferenced transaction",
		zap.String("transaction_id", transaction.TransactionID),
		zap.String("type", transaction.Type.String()),
	)
	worker.process(ctx, job{kind: kind, transactionID: transaction.TransactionID})
}

func (worker *Worker) pollTransaction(ctx context.Context, transaction bank.Transaction) {
	callCtx, cancel := context.WithTimeout(ctx, worker.cfg.GatewayTimeout)
	defer cancel()

	response, err := worker.gateway.CheckStatus(callCtx, transaction.ExternalRef)
	if err != nil {
		worker.logger.Warn("poll: status check failed",
			zap.String("transaction_id", transaction.TransactionID),
			zap.String("external_ref", transaction.ExternalRef),
			zap.Error(err),
		)
		return
	}

	mapped, terminal := bank.MapProviderStatus(response.Status)
	if !terminal {
		return
	}
	meta := map[string]any{"status_poll_response": response.Raw}
	worker.resolveAndNotify(ctx, transaction.TransactionID, mapped, meta)
}
