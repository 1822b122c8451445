package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultSMSTimeout = 10 * time.Second

// SMSConfig configures the bulk-SMS provider client.
type SMSConfig struct {
	BaseURL  string
	APIKey   string
	Username string
	SenderID string
	Timeout  time.Duration
}

// SMSNotifier delivers transaction notices over a bulk-SMS HTTP API.
type SMSNotifier struct {
	cfg        SMSConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSMSNotifier wires an SMS notifier with a bounded request timeout.
func NewSMSNotifier(cfg SMSConfig, logger *zap.Logger) (*SMSNotifier, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("sms notifier: base url and api key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMSTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSNotifier{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}, logger: logger}, nil
}

func (notifier *SMSNotifier) NotifyTransaction(ctx context.Context, notice TransactionNotice) error {
	if notice.Phone == "" {
		return fmt.Errorf("sms notifier: notice has no phone number")
	}
	form := url.Values{}
	form.Set("username", notifier.cfg.Username)
	form.Set("to", notice.Phone)
	form.Set("from", notifier.cfg.SenderID)
	form.Set("message", noticeMessage(notice))

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, notifier.cfg.BaseURL+"/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sms notifier: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("apiKey", notifier.cfg.APIKey)

	response, err := notifier.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("sms notifier: send: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("sms notifier: provider returned %d", response.StatusCode)
	}
	notifier.logger.Info("sms notice sent",
		zap.String("transaction_id", notice.TransactionID),
		zap.String("status", notice.Status),
	)
	return nil
}

func noticeMessage(notice TransactionNotice) string {
	amount := notice.AmountCredits
	if amount < 0 {
		amount = -amount
	}
	switch notice.Status {
	case "completed":
		return fmt.Sprintf("Your %s of %d credits is complete.", noticeVerb(notice.Type), amount)
	case "failed":
		return fmt.Sprintf("Your %s of %d credits failed. Any reserved funds have been returned.", noticeVerb(notice.Type), amount)
	default:
		return fmt.Sprintf("Your %s of %d credits is %s.", noticeVerb(notice.Type), amount, notice.Status)
	}
}

func noticeVerb(transactionType string) string {
	switch transactionType {
	case "deposit":
		return "deposit"
	case "withdrawal":
		return "withdrawal"
	default:
		return "transaction"
	}
}
