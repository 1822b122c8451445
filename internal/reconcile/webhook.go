package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/spinbank/pkg/bank"
	"go.uber.org/zap"
)

// Webhook rejection reasons, mapped to distinct HTTP statuses by the API layer.
var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrMissingReference  = errors.New("missing webhook reference")
	ErrReferenceNotFound = errors.New("webhook reference not found")
)

// Reference fields recognized in webhook payloads, in precedence order.
var referenceFields = []string{"internal_reference", "reference", "external_ref"}

// HandleWebhook verifies, matches, and applies one inbound provider callback.
// Duplicates and out-of-order arrivals are harmless: the terminal transition
// inside bank.Resolve applies at most once, and every payload is kept in the
// transaction meta for audit regardless.
func (worker *Worker) HandleWebhook(ctx context.Context, signatureHeader string, rawBody []byte) error {
	if signatureHeader != "" && !worker.gateway.VerifyWebhookSignature(signatureHeader, rawBody) {
		return ErrInvalidSignature
	}

	payload := map[string]any{}
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	reference := firstReference(payload)
	if reference == "" {
		return ErrMissingReference
	}

	transaction, err := worker.ledger.TransactionByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, bank.ErrUnknownTransaction) {
			return ErrReferenceNotFound
		}
		return err
	}

	providerStatus, _ := payload["status"].(string)
	meta := map[string]any{"webhook_payload": payload}

	mapped, terminal := bank.MapProviderStatus(providerStatus)
	if terminal {
		worker.resolveAndNotify(ctx, transaction.TransactionID, mapped, meta)
		return nil
	}

	if err := worker.ledger.MarkProcessing(ctx, transaction.TransactionID, reference, meta); err != nil {
		return err
	}
	worker.logger.Info("webhook: interim status recorded",
		zap.String("transaction_id", transaction.TransactionID),
		zap.String("provider_status", providerStatus),
	)
	return nil
}

func firstReference(payload map[string]any) string {
	for _, field := range referenceFields {
		if value, ok := payload[field].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
