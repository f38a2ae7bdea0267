// Package interfaces defines service contracts for BrokerSync
package interfaces

import (
	"context"

	"github.com/bobmcallan/brokersync/internal/models"
)

// ConnectionRegistry tracks per-user, per-broker connection records and their
// health state. Mutations are concurrency-safe per connection id.
type ConnectionRegistry interface {
	// Register stores a new connection after a successful external OAuth exchange.
	Register(ctx context.Context, conn *models.BrokerConnection) error

	// Deactivate marks a connection DISCONNECTED (user unlink).
	Deactivate(ctx context.Context, id string) error

	// Relink returns a DISCONNECTED connection to CONNECTED after the user
	// re-authenticates.
	Relink(ctx context.Context, id string) error

	// Suspend and Reactivate are administrative; SUSPENDED is terminal until
	// reactivated and is never entered or left automatically.
	Suspend(ctx context.Context, id string) error
	Reactivate(ctx context.Context, id string) error

	// ListActive returns the user's connections eligible for fetching.
	ListActive(ctx context.Context, userID string) ([]*models.BrokerConnection, error)

	// List returns all of the user's connections regardless of status.
	List(ctx context.Context, userID string) ([]*models.BrokerConnection, error)

	// Get returns one connection by id.
	Get(ctx context.Context, id string) (*models.BrokerConnection, error)

	// MarkFailure records a failed broker call and applies status transitions.
	MarkFailure(ctx context.Context, id string, callErr error) (*models.StatusTransition, error)

	// MarkSuccess resets the failure counter and recovers DEGRADED to CONNECTED.
	MarkSuccess(ctx context.Context, id string) (*models.StatusTransition, error)
}

// PortfolioFetcher invokes every active broker connection of a user in
// parallel with bulkhead isolation and a bounded per-call timeout.
type PortfolioFetcher interface {
	FetchAll(ctx context.Context, userID string) (map[string]*models.FetchResult, error)
}

// Aggregator merges normalized positions across brokers into one consolidated
// portfolio view.
type Aggregator interface {
	Aggregate(ctx context.Context, userID string, results map[string]*models.FetchResult) (*models.ConsolidatedPortfolio, error)
}

// RefreshService triggers fetch-and-aggregate cycles, coalescing concurrent
// requests per user and serving cached snapshots within the freshness window.
type RefreshService interface {
	// Refresh returns a consolidated snapshot. With force false a fresh cached
	// snapshot is returned immediately; otherwise the caller joins the single
	// in-flight cycle for the user.
	Refresh(ctx context.Context, userID string, force bool) (*models.ConsolidatedPortfolio, error)

	// Cached returns the current cached snapshot without triggering a cycle,
	// or nil when none exists.
	Cached(userID string) *models.ConsolidatedPortfolio
}
