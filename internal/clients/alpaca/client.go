// Package alpaca provides a broker client for the Alpaca Trading API
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

const (
	BrokerID = "alpaca"

	DefaultBaseURL   = "https://api.alpaca.markets"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 10 // requests per second
)

// Client implements the BrokerClient interface for Alpaca
type Client struct {
	baseURL    string
	keyID      string
	secretKey  string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Alpaca client. The key is expected in
// "keyID:secretKey" form as stored in the connection's credential reference.
func NewClient(keyID, secretKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		keyID:     keyID,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Alpaca API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// AuthFailure reports whether the error is credential-related.
func (e *APIError) AuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// get performs a rate-limited GET request
func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("url", path).Msg("Alpaca API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// positionData mirrors the Alpaca positions payload. Numeric fields arrive as
// JSON strings; decimal.Decimal accepts both forms.
type positionData struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

type accountData struct {
	AccountNumber string          `json:"account_number"`
	Cash          decimal.Decimal `json:"cash"`
	Currency      string          `json:"currency"`
}

// BrokerID returns the registry identifier for this client.
func (c *Client) BrokerID() string {
	return BrokerID
}

// GetPositions retrieves raw positions for the account. Alpaca keys are
// account-scoped, so accountID is informational only.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]models.RawPosition, error) {
	var data []positionData
	if err := c.get(ctx, "/v2/positions", &data); err != nil {
		return nil, err
	}

	positions := make([]models.RawPosition, 0, len(data))
	for _, p := range data {
		positions = append(positions, models.RawPosition{
			Symbol:   p.Symbol,
			Quantity: p.Qty,
			AvgCost:  p.AvgEntryPrice,
		})
	}

	c.logger.Debug().
		Str("account", accountID).
		Int("positions", len(positions)).
		Msg("Alpaca positions fetched")

	return positions, nil
}

// GetAccountSummary retrieves account-level data.
func (c *Client) GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error) {
	var data accountData
	if err := c.get(ctx, "/v2/account", &data); err != nil {
		return nil, err
	}

	currency := data.Currency
	if currency == "" {
		currency = "USD"
	}

	return &models.AccountSummary{
		AccountID:   data.AccountNumber,
		CashBalance: data.Cash,
		Currency:    currency,
	}, nil
}

// CheckConnectivity reports whether the API accepts the configured credential.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	var data accountData
	return c.get(ctx, "/v2/account", &data) == nil
}
