// Package storage provides the top-level StorageManager for BrokerSync.
package storage

import (
	"fmt"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/storage/badger"
)

// Manager implements interfaces.StorageManager.
type Manager struct {
	store       *badger.Store
	connections interfaces.ConnectionStore
	logger      *common.Logger
}

// NewManager creates a new StorageManager.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	store, err := badger.NewStore(logger, config.Storage.Connections.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection store: %w", err)
	}

	logger.Info().
		Str("connections", config.Storage.Connections.Path).
		Msg("Storage manager initialized")

	return &Manager{
		store:       store,
		connections: badger.NewConnectionStorage(store, logger),
		logger:      logger,
	}, nil
}

func (m *Manager) ConnectionStore() interfaces.ConnectionStore {
	return m.connections
}

// Close closes all storage backends.
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
