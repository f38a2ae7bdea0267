// Package connections implements the broker connection registry.
package connections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/models"
)

// Service implements ConnectionRegistry. All health mutations for one
// connection id are serialized through a key-scoped lock; there is no global
// lock, so operations on different connections stay fully parallel.
type Service struct {
	store  interfaces.ConnectionStore
	logger *common.Logger

	degradedThreshold int
	disconnectedAfter int

	locks sync.Map // connection id -> *sync.Mutex
}

// NewService creates a new connection registry service.
func NewService(store interfaces.ConnectionStore, cfg common.AggregationConfig, logger *common.Logger) *Service {
	degraded := cfg.DegradedThreshold
	if degraded <= 0 {
		degraded = 2
	}
	disconnected := cfg.DisconnectedAfter
	if disconnected <= degraded {
		disconnected = 5
	}
	return &Service{
		store:             store,
		logger:            logger,
		degradedThreshold: degraded,
		disconnectedAfter: disconnected,
	}
}

func (s *Service) lock(id string) func() {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Register stores a new connection after a successful external OAuth exchange.
func (s *Service) Register(ctx context.Context, conn *models.BrokerConnection) error {
	if conn.UserID == "" || conn.BrokerID == "" {
		return fmt.Errorf("connection requires user_id and broker_id")
	}
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = models.StatusConnected
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	conn.ConsecutiveFailures = 0

	if err := s.store.Put(ctx, conn); err != nil {
		return err
	}

	s.logger.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Str("broker_id", conn.BrokerID).
		Msg("Broker connection registered")

	return nil
}

// Deactivate marks a connection DISCONNECTED on user unlink.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status == models.StatusSuspended {
		return models.ErrConnectionSuspended
	}

	conn.Status = models.StatusDisconnected
	if err := s.store.Put(ctx, conn); err != nil {
		return err
	}

	s.logger.Info().Str("connection_id", id).Msg("Broker connection deactivated")
	return nil
}

// Relink returns a DISCONNECTED connection to CONNECTED after the user
// re-authenticates with the broker.
func (s *Service) Relink(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status == models.StatusSuspended {
		return models.ErrConnectionSuspended
	}

	conn.Status = models.StatusConnected
	conn.ConsecutiveFailures = 0
	if err := s.store.Put(ctx, conn); err != nil {
		return err
	}

	s.logger.Info().Str("connection_id", id).Msg("Broker connection relinked")
	return nil
}

// Suspend moves a connection to SUSPENDED. Administrative only; the health
// monitor never enters or leaves this state.
func (s *Service) Suspend(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	conn.Status = models.StatusSuspended
	if err := s.store.Put(ctx, conn); err != nil {
		return err
	}

	s.logger.Warn().Str("connection_id", id).Msg("Broker connection suspended")
	return nil
}

// Reactivate clears SUSPENDED back to CONNECTED.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.Status != models.StatusSuspended {
		return fmt.Errorf("connection '%s' is not suspended", id)
	}

	conn.Status = models.StatusConnected
	conn.ConsecutiveFailures = 0
	if err := s.store.Put(ctx, conn); err != nil {
		return err
	}

	s.logger.Info().Str("connection_id", id).Msg("Broker connection reactivated")
	return nil
}

// Get returns one connection by id.
func (s *Service) Get(ctx context.Context, id string) (*models.BrokerConnection, error) {
	return s.store.Get(ctx, id)
}

// List returns all of the user's connections.
func (s *Service) List(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	return s.store.ListByUser(ctx, userID)
}

// ListActive returns the user's connections eligible for fetching.
func (s *Service) ListActive(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	conns, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active := make([]*models.BrokerConnection, 0, len(conns))
	for _, conn := range conns {
		if conn.IsActive() {
			active = append(active, conn)
		}
	}
	return active, nil
}

// MarkFailure records a failed broker call. Auth-class errors move the
// connection to TOKEN_EXPIRED immediately (no retry); connection-class errors
// degrade after the configured threshold and disconnect after repeated
// failures. Suspended connections are left untouched.
func (s *Service) MarkFailure(ctx context.Context, id string, callErr error) (*models.StatusTransition, error) {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	transition := &models.StatusTransition{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		BrokerID:     conn.BrokerID,
		From:         conn.Status,
		To:           conn.Status,
	}
	if callErr != nil {
		transition.Reason = callErr.Error()
	}

	if conn.Status == models.StatusSuspended {
		return transition, nil
	}

	conn.ConsecutiveFailures++
	conn.LastHealthCheckAt = time.Now().UTC()

	switch {
	case models.IsAuthError(callErr):
		conn.Status = models.StatusTokenExpired
	case conn.ConsecutiveFailures >= s.disconnectedAfter:
		conn.Status = models.StatusDisconnected
	case conn.ConsecutiveFailures >= s.degradedThreshold:
		if conn.Status == models.StatusConnected || conn.Status == models.StatusDegraded {
			conn.Status = models.StatusDegraded
		}
	}

	transition.To = conn.Status

	if err := s.store.Put(ctx, conn); err != nil {
		return nil, err
	}

	if transition.Changed() {
		s.logger.Warn().
			Str("connection_id", conn.ID).
			Str("broker_id", conn.BrokerID).
			Str("from", string(transition.From)).
			Str("to", string(transition.To)).
			Int("consecutive_failures", conn.ConsecutiveFailures).
			Msg("Broker connection status changed")
	}

	return transition, nil
}

// MarkSuccess records a successful broker call, resetting the failure counter
// and recovering DEGRADED connections to CONNECTED.
func (s *Service) MarkSuccess(ctx context.Context, id string) (*models.StatusTransition, error) {
	unlock := s.lock(id)
	defer unlock()

	conn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	transition := &models.StatusTransition{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		BrokerID:     conn.BrokerID,
		From:         conn.Status,
		To:           conn.Status,
	}

	if conn.Status == models.StatusSuspended {
		return transition, nil
	}

	now := time.Now().UTC()
	conn.ConsecutiveFailures = 0
	conn.LastSuccessAt = now
	conn.LastHealthCheckAt = now

	if conn.Status == models.StatusDegraded {
		conn.Status = models.StatusConnected
	}

	transition.To = conn.Status

	if err := s.store.Put(ctx, conn); err != nil {
		return nil, err
	}

	if transition.Changed() {
		s.logger.Info().
			Str("connection_id", conn.ID).
			Str("broker_id", conn.BrokerID).
			Str("from", string(transition.From)).
			Str("to", string(transition.To)).
			Msg("Broker connection recovered")
	}

	return transition, nil
}
