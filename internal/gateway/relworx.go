package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	acceptHeader          = "application/vnd.relworx.v2"
	referenceBytes        = 16
)

// RelworxConfig configures the Relworx mobile-money client.
type RelworxConfig struct {
	BaseURL       string
	APIKey        string
	AccountNumber string
	WebhookSecret string
	Timeout       time.Duration
}

// RelworxClient implements Gateway against the Relworx mobile-money API.
type RelworxClient struct {
	cfg        RelworxConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRelworxClient wires a client with a bounded request timeout.
func NewRelworxClient(cfg RelworxConfig, logger *zap.Logger) (*RelworxClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrGateway)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrGateway)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelworxClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

func (client *RelworxClient) RequestCollection(ctx context.Context, payeeAddress string, amount decimal.Decimal, currency string, description string) (Response, error) {
	return client.submitPayment(ctx, "/mobile-money/request-payment", payeeAddress, amount, currency, description)
}

func (client *RelworxClient) SendPayout(ctx context.Context, payeeAddress string, amount decimal.Decimal, currency string, description string) (Response, error) {
	return client.submitPayment(ctx, "/mobile-money/send-payment", payeeAddress, amount, currency, description)
}

func (client *RelworxClient) CheckStatus(ctx context.Context, providerReference string) (Response, error) {
	query := url.Values{}
	query.Set("internal_reference", providerReference)
	query.Set("account_no", client.cfg.AccountNumber)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.cfg.BaseURL+"/mobile-money/check-request-status?"+query.Encode(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("%w: build status request: %v", ErrGateway, err)
	}
	return client.do(request)
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body in
// constant time.
func (client *RelworxClient) VerifyWebhookSignature(signatureHeader string, rawBody []byte) bool {
	mac := hmac.New(sha256.New, []byte(client.cfg.WebhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

func (client *RelworxClient) submitPayment(ctx context.Context, path string, payeeAddress string, amount decimal.Decimal, currency string, description string) (Response, error) {
	payload := map[string]any{
		"account_no": client.cfg.AccountNumber,
		"reference":  newReference(),
		"msisdn":     payeeAddress,
		"currency":   currency,
		"amount":     amount,
	}
	if description != "" {
		payload["description"] = description
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: marshal payment payload: %v", ErrGateway, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("%w: build payment request: %v", ErrGateway, err)
	}
	request.Header.Set("Content-Type", "application/json")
	return client.do(request)
}

func (client *RelworxClient) do(request *http.Request) (Response, error) {
	request.Header.Set("Accept", acceptHeader)
	request.Header.Set("Authorization", "Bearer "+client.cfg.APIKey)

	httpResponse, err := client.httpClient.Do(request)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	rawBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Response{}, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		client.logger.Warn("relworx call rejected",
			zap.String("path", request.URL.Path),
			zap.Int("status_code", httpResponse.StatusCode),
		)
		return Response{}, fmt.Errorf("%w: provider returned %d: %s", ErrGateway, httpResponse.StatusCode, string(rawBody))
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(rawBody, &decoded); err != nil {
		return Response{}, fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	return Response{
		Status:    stringField(decoded, "status"),
		Reference: firstStringField(decoded, "internal_reference", "reference"),
		Raw:       decoded,
	}, nil
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

func firstStringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringField(payload, key); value != "" {
			return value
		}
	}
	return ""
}

func newReference() string {
	buffer := make([]byte, referenceBytes)
	if _, err := rand.Read(buffer); err != nil {
		return ""
	}
	return hex.EncodeToString(buffer)
}
