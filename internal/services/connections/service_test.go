package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

// memStore is an in-memory ConnectionStore for registry tests.
type memStore struct {
	mu    sync.Mutex
	conns map[string]models.BrokerConnection
}

func newMemStore() *memStore {
	return &memStore{conns: make(map[string]models.BrokerConnection)}
}

func (s *memStore) Get(ctx context.Context, id string) (*models.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[id]
	if !ok {
		return nil, models.ErrConnectionNotFound
	}
	copy := conn
	return &copy, nil
}

func (s *memStore) Put(ctx context.Context, conn *models.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = *conn
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return nil
}

func (s *memStore) ListByUser(ctx context.Context, userID string) ([]*models.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BrokerConnection
	for _, conn := range s.conns {
		if conn.UserID == userID {
			copy := conn
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// authErr simulates an upstream 401.
type authErr struct{}

func (e *authErr) Error() string     { return "broker rejected credential" }
func (e *authErr) AuthFailure() bool { return true }

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	cfg := common.AggregationConfig{DegradedThreshold: 2, DisconnectedAfter: 5}
	return NewService(store, cfg, common.NewSilentLogger()), store
}

func registerTestConnection(t *testing.T, svc *Service, userID, brokerID string) *models.BrokerConnection {
	t.Helper()
	conn := &models.BrokerConnection{UserID: userID, BrokerID: brokerID}
	require.NoError(t, svc.Register(context.Background(), conn))
	return conn
}

func TestRegister_Defaults(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, models.StatusConnected, conn.Status)
	assert.False(t, conn.CreatedAt.IsZero())
	assert.Zero(t, conn.ConsecutiveFailures)
}

func TestRegister_RequiresUserAndBroker(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Register(context.Background(), &models.BrokerConnection{BrokerID: "alpaca"})
	assert.Error(t, err)
	err = svc.Register(context.Background(), &models.BrokerConnection{UserID: "alice"})
	assert.Error(t, err)
}

func TestMarkFailure_DegradesThenDisconnects(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()
	callErr := errors.New("connection reset")

	// First failure: still CONNECTED.
	tr, err := svc.MarkFailure(ctx, conn.ID, callErr)
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Equal(t, models.StatusConnected, tr.To)

	// Second failure crosses the degraded threshold.
	tr, err = svc.MarkFailure(ctx, conn.ID, callErr)
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, models.StatusConnected, tr.From)
	assert.Equal(t, models.StatusDegraded, tr.To)

	// Third and fourth stay DEGRADED.
	for i := 0; i < 2; i++ {
		tr, err = svc.MarkFailure(ctx, conn.ID, callErr)
		require.NoError(t, err)
		assert.False(t, tr.Changed())
		assert.Equal(t, models.StatusDegraded, tr.To)
	}

	// Fifth consecutive failure disconnects.
	tr, err = svc.MarkFailure(ctx, conn.ID, callErr)
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, models.StatusDisconnected, tr.To)

	got, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ConsecutiveFailures)
	assert.False(t, got.IsActive())
}

func TestMarkFailure_AuthErrorExpiresImmediately(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "tradier")

	tr, err := svc.MarkFailure(context.Background(), conn.ID, &authErr{})
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, models.StatusTokenExpired, tr.To)
	assert.Equal(t, "broker rejected credential", tr.Reason)
}

func TestMarkFailure_WrappedAuthError(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "tradier")

	wrapped := fmt.Errorf("fetch positions: %w", &authErr{})
	tr, err := svc.MarkFailure(context.Background(), conn.ID, wrapped)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTokenExpired, tr.To)
}

func TestMarkSuccess_RecoversDegraded(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()
	callErr := errors.New("timeout")

	svc.MarkFailure(ctx, conn.ID, callErr)
	svc.MarkFailure(ctx, conn.ID, callErr)

	tr, err := svc.MarkSuccess(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, tr.Changed())
	assert.Equal(t, models.StatusDegraded, tr.From)
	assert.Equal(t, models.StatusConnected, tr.To)

	got, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.False(t, got.LastSuccessAt.IsZero())
}

func TestMarkSuccess_ResetsCounterBeforeThreshold(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()

	// One failure, then a success, then one more failure: the counter restarts
	// so the connection never degrades.
	svc.MarkFailure(ctx, conn.ID, errors.New("timeout"))
	svc.MarkSuccess(ctx, conn.ID)
	tr, err := svc.MarkFailure(ctx, conn.ID, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, tr.To)

	got, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
}

func TestSuspend_IgnoresHealthOutcomes(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()

	require.NoError(t, svc.Suspend(ctx, conn.ID))

	// Neither failures nor successes move a suspended connection.
	tr, err := svc.MarkFailure(ctx, conn.ID, &authErr{})
	require.NoError(t, err)
	assert.False(t, tr.Changed())
	assert.Equal(t, models.StatusSuspended, tr.To)

	tr, err = svc.MarkSuccess(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, tr.To)
}

func TestSuspend_BlocksUserMutations(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()

	require.NoError(t, svc.Suspend(ctx, conn.ID))

	assert.ErrorIs(t, svc.Deactivate(ctx, conn.ID), models.ErrConnectionSuspended)
	assert.ErrorIs(t, svc.Relink(ctx, conn.ID), models.ErrConnectionSuspended)

	// Only an administrative reactivation clears it.
	require.NoError(t, svc.Reactivate(ctx, conn.ID))
	got, err := svc.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, got.Status)
}

func TestReactivate_RequiresSuspended(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	assert.Error(t, svc.Reactivate(context.Background(), conn.ID))
}

func TestRelink_RestoresDisconnected(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")
	ctx := context.Background()

	require.NoError(t, svc.Deactivate(ctx, conn.ID))
	got, _ := svc.Get(ctx, conn.ID)
	assert.Equal(t, models.StatusDisconnected, got.Status)

	require.NoError(t, svc.Relink(ctx, conn.ID))
	got, _ = svc.Get(ctx, conn.ID)
	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestListActive_FiltersInactiveStatuses(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	connected := registerTestConnection(t, svc, "alice", "alpaca")
	degraded := registerTestConnection(t, svc, "alice", "tradier")
	expired := registerTestConnection(t, svc, "alice", "ibkr")
	registerTestConnection(t, svc, "bob", "alpaca")

	svc.MarkFailure(ctx, degraded.ID, errors.New("timeout"))
	svc.MarkFailure(ctx, degraded.ID, errors.New("timeout"))
	svc.MarkFailure(ctx, expired.ID, &authErr{})

	active, err := svc.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 2)

	ids := map[string]bool{}
	for _, c := range active {
		ids[c.ID] = true
	}
	assert.True(t, ids[connected.ID])
	assert.True(t, ids[degraded.ID], "degraded connections still contribute")
}

func TestMarkFailure_UnknownConnection(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.MarkFailure(context.Background(), "missing", errors.New("x"))
	assert.ErrorIs(t, err, models.ErrConnectionNotFound)
}

func TestMarkFailure_ConcurrentCountsEveryFailure(t *testing.T) {
	svc, _ := newTestService()
	conn := registerTestConnection(t, svc, "alice", "alpaca")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.MarkFailure(context.Background(), conn.ID, errors.New("timeout"))
		}()
	}
	wg.Wait()

	got, err := svc.Get(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ConsecutiveFailures)
	assert.Equal(t, models.StatusDisconnected, got.Status)
}
