package badger

import (
	"context"
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

type connectionStorage struct {
	store  *Store
	logger *common.Logger
}

// NewConnectionStorage creates a ConnectionStore backed by BadgerHold.
func NewConnectionStorage(store *Store, logger *common.Logger) *connectionStorage {
	return &connectionStorage{store: store, logger: logger}
}

func (s *connectionStorage) Get(_ context.Context, id string) (*models.BrokerConnection, error) {
	var conn models.BrokerConnection
	err := s.store.db.Get(id, &conn)
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection '%s': %w", id, err)
	}
	return &conn, nil
}

func (s *connectionStorage) Put(_ context.Context, conn *models.BrokerConnection) error {
	if err := s.store.db.Upsert(conn.ID, conn); err != nil {
		return fmt.Errorf("failed to save connection '%s': %w", conn.ID, err)
	}
	s.logger.Debug().
		Str("connection_id", conn.ID).
		Str("broker_id", conn.BrokerID).
		Str("status", string(conn.Status)).
		Msg("Connection saved")
	return nil
}

func (s *connectionStorage) Delete(_ context.Context, id string) error {
	err := s.store.db.Delete(id, models.BrokerConnection{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete connection '%s': %w", id, err)
	}
	s.logger.Debug().Str("connection_id", id).Msg("Connection deleted")
	return nil
}

func (s *connectionStorage) ListByUser(_ context.Context, userID string) ([]*models.BrokerConnection, error) {
	var conns []models.BrokerConnection
	if err := s.store.db.Find(&conns, badgerhold.Where("UserID").Eq(userID).Index("UserID")); err != nil {
		return nil, fmt.Errorf("failed to list connections for user '%s': %w", userID, err)
	}
	out := make([]*models.BrokerConnection, len(conns))
	for i := range conns {
		out[i] = &conns[i]
	}
	return out, nil
}

func (s *connectionStorage) Close() error {
	return nil
}
