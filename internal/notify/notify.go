// Package notify is the outbound player-notification port. Delivery is
// fire-and-forget: a failed notification never rolls back a ledger transition.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// TransactionNotice describes a resolved transaction for player messaging.
type TransactionNotice struct {
	PlayerID      string
	Phone         string
	TransactionID string
	Type          string
	Status        string
	AmountCredits int64
}

// Notifier delivers transaction notices to players.
type Notifier interface {
	NotifyTransaction(ctx context.Context, notice TransactionNotice) error
}

// LogNotifier records notices to the application log only; used when no SMS
// provider is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) NotifyTransaction(_ context.Context, notice TransactionNotice) error {
	notifier.logger.Info("transaction notice",
		zap.String("player_id", notice.PlayerID),
		zap.String("transaction_id", notice.TransactionID),
		zap.String("type", notice.Type),
		zap.String("status", notice.Status),
		zap.Int64("amount_credits", notice.AmountCredits),
	)
	return nil
}
