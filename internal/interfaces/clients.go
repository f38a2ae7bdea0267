// Package interfaces defines service contracts for BrokerSync
package interfaces

import (
	"context"

	"github.com/bobmcallan/brokersync/internal/models"
)

// BrokerClient is the capability a broker integration must provide. One
// implementation exists per broker, registered in the client registry; the
// aggregation core never implements a broker itself.
type BrokerClient interface {
	// BrokerID returns the stable identifier this client is registered under.
	BrokerID() string

	// GetPositions retrieves raw positions for a brokerage account.
	GetPositions(ctx context.Context, accountID string) ([]models.RawPosition, error)

	// GetAccountSummary retrieves account-level data (cash balance).
	GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error)

	// CheckConnectivity reports whether the broker API is reachable with the
	// configured credential.
	CheckConnectivity(ctx context.Context) bool
}

// MarketDataClient resolves current prices, batched per distinct symbol per
// aggregation cycle. Symbols without a quote are absent from the result map.
type MarketDataClient interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
}
