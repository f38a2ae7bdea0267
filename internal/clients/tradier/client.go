// Package tradier provides a broker client for the Tradier Brokerage API
package tradier

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
	BrokerID = "tradier"

	DefaultBaseURL   = "https://api.tradier.com"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5 // requests per second
)

// Client implements the BrokerClient interface for Tradier
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *common.Logger
	limiter     *rate.Limiter
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

// NewClient creates a new Tradier client
func NewClient(accessToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		accessToken: accessToken,
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
	return fmt.Sprintf("Tradier API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
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

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("url", path).Msg("Tradier API request")

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

// positionData mirrors one entry of the Tradier positions payload. Tradier
// reports cost_basis as the total cost of the lot, not a per-share price.
type positionData struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

// positionsEnvelope handles Tradier's wrapping: "position" is an object for a
// single holding and an array for several, and the whole "positions" field is
// the string "null" for empty accounts.
type positionsEnvelope struct {
	Positions json.RawMessage `json:"positions"`
}

type positionList struct {
	Position json.RawMessage `json:"position"`
}

type balancesEnvelope struct {
	Balances struct {
		AccountNumber string          `json:"account_number"`
		TotalCash     decimal.Decimal `json:"total_cash"`
	} `json:"balances"`
}

func decodePositions(raw json.RawMessage) ([]positionData, error) {
	if len(raw) == 0 || string(raw) == `"null"` || string(raw) == "null" {
		return nil, nil
	}

	var list positionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	if len(list.Position) == 0 {
		return nil, nil
	}

	var many []positionData
	if err := json.Unmarshal(list.Position, &many); err == nil {
		return many, nil
	}

	var one positionData
	if err := json.Unmarshal(list.Position, &one); err != nil {
		return nil, err
	}
	return []positionData{one}, nil
}

// BrokerID returns the registry identifier for this client.
func (c *Client) BrokerID() string {
	return BrokerID
}

// GetPositions retrieves raw positions for a brokerage account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]models.RawPosition, error) {
	var envelope positionsEnvelope
	path := fmt.Sprintf("/v1/accounts/%s/positions", accountID)
	if err := c.get(ctx, path, &envelope); err != nil {
		return nil, err
	}

	data, err := decodePositions(envelope.Positions)
	if err != nil {
		return nil, fmt.Errorf("failed to decode positions: %w", err)
	}

	positions := make([]models.RawPosition, 0, len(data))
	for _, p := range data {
		avgCost := decimal.Zero
		if !p.Quantity.IsZero() {
			avgCost = p.CostBasis.Div(p.Quantity)
		}
		positions = append(positions, models.RawPosition{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  avgCost,
		})
	}

	c.logger.Debug().
		Str("account", accountID).
		Int("positions", len(positions)).
		Msg("Tradier positions fetched")

	return positions, nil
}

// GetAccountSummary retrieves account-level data.
func (c *Client) GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error) {
	var envelope balancesEnvelope
	path := fmt.Sprintf("/v1/accounts/%s/balances", accountID)
	if err := c.get(ctx, path, &envelope); err != nil {
		return nil, err
	}

	return &models.AccountSummary{
		AccountID:   envelope.Balances.AccountNumber,
		CashBalance: envelope.Balances.TotalCash,
		Currency:    "USD",
	}, nil
}

// CheckConnectivity reports whether the API accepts the configured credential.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	var profile map[string]interface{}
	return c.get(ctx, "/v1/user/profile", &profile) == nil
}
