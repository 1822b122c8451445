// Package gateway abstracts the mobile-money provider behind a port: funds
// collection, payouts, status polling, and webhook authentication.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrGateway covers provider call failures, including timeouts.
	ErrGateway = errors.New("gateway error")
)

// Response is the normalized provider reply for collection/payout/status calls.
type Response struct {
	// Status is the provider's raw status string (mapped to the internal
	// vocabulary by the caller).
	Status string
	// Reference is the provider-assigned correlation id, used to match
	// later webhooks and status polls back to the transaction.
	Reference string
	// Raw is the full decoded provider payload, persisted for audit.
	Raw map[string]any
}

// Gateway is implemented by any mobile-money provider client.
type Gateway interface {
	// RequestCollection initiates a pull of funds from the player.
	RequestCollection(ctx context.Context, payeeAddress string, amount decimal.Decimal, currency string, description string) (Response, error)
	// SendPayout pushes funds to the player.
	SendPayout(ctx context.Context, payeeAddress string, amount decimal.Decimal, currency string, description string) (Response, error)
	// CheckStatus is the polling fallback for a known provider reference.
	CheckStatus(ctx context.Context, providerReference string) (Response, error)
	// VerifyWebhookSignature checks the HMAC signature header against the
	// shared webhook secret.
	VerifyWebhookSignature(signatureHeader string, rawBody []byte) bool
}
