// Package interfaces defines service contracts for BrokerSync
package interfaces

import (
	"context"

	"github.com/bobmcallan/brokersync/internal/models"
)

// StorageManager coordinates storage backends.
type StorageManager interface {
	ConnectionStore() ConnectionStore
	Close() error
}

// ConnectionStore persists broker connection records so user links survive
// restarts. Consolidated portfolios are never persisted; they are rebuildable
// cache entries only.
type ConnectionStore interface {
	Get(ctx context.Context, id string) (*models.BrokerConnection, error)
	Put(ctx context.Context, conn *models.BrokerConnection) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*models.BrokerConnection, error)
	Close() error
}
