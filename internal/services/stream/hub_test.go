package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

// stubRefresher serves a scripted cached snapshot.
type stubRefresher struct {
	cached *models.ConsolidatedPortfolio
}

func (r *stubRefresher) Refresh(ctx context.Context, userID string, force bool) (*models.ConsolidatedPortfolio, error) {
	return r.cached, nil
}

func (r *stubRefresher) Cached(userID string) *models.ConsolidatedPortfolio {
	return r.cached
}

func newTestHub(refresher Refresher, sendBuffer int) *Hub {
	if refresher == nil {
		refresher = &stubRefresher{}
	}
	cfg := common.StreamConfig{SendBuffer: sendBuffer, MaxSendFailures: 3}
	return NewHub(refresher, cfg, common.NewSilentLogger())
}

// testSession creates a session without a live websocket connection; the
// pumps are never started, so frames accumulate on the send channel.
func testSession(h *Hub, userID string) *Session {
	return newSession(h, nil, userID)
}

func snapshotAt(userID string, ts time.Time, positions ...models.ConsolidatedPosition) *models.ConsolidatedPortfolio {
	return &models.ConsolidatedPortfolio{
		UserID:      userID,
		Positions:   positions,
		LastUpdated: ts,
	}
}

func consolidated(symbol string, qty, price int64) models.ConsolidatedPosition {
	return models.ConsolidatedPosition{
		Symbol:        symbol,
		TotalQuantity: decimal.NewFromInt(qty),
		CurrentPrice:  decimal.NewFromInt(price),
		CurrentValue:  decimal.NewFromInt(qty * price),
	}
}

func receiveEnvelope(t *testing.T, s *Session) *models.Envelope {
	t.Helper()
	select {
	case data := <-s.send:
		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env
	case <-time.After(time.Second):
		t.Fatal("expected a frame on the session queue")
		return nil
	}
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func TestRegister_PushesCachedSnapshot(t *testing.T) {
	cached := snapshotAt("alice", time.Now().UTC(), consolidated("AAPL", 10, 150))
	hub := newTestHub(&stubRefresher{cached: cached}, 8)

	session := testSession(hub, "alice")
	hub.Register(session)

	env := receiveEnvelope(t, session)
	assert.Equal(t, models.MsgPortfolioUpdate, env.Type)

	var got models.ConsolidatedPortfolio
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "alice", got.UserID)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "AAPL", got.Positions[0].Symbol)
}

func TestRegister_NoCachedSnapshot(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)
	requireNoFrame(t, session)
}

func TestActiveUsers_Sorted(t *testing.T) {
	hub := newTestHub(nil, 8)
	hub.Register(testSession(hub, "carol"))
	hub.Register(testSession(hub, "alice"))
	hub.Register(testSession(hub, "bob"))
	hub.Register(testSession(hub, "alice"))

	assert.Equal(t, []string{"alice", "bob", "carol"}, hub.ActiveUsers())
	assert.Equal(t, 2, hub.SessionCount("alice"))
}

func TestUnregister_RemovesSessionAndClosesQueue(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)
	hub.Unregister(session)

	assert.Empty(t, hub.ActiveUsers())
	_, open := <-session.send
	assert.False(t, open, "send queue should be closed")

	// Unregistering twice is harmless.
	hub.Unregister(session)
}

func TestBroadcastPortfolio_AllSessionsOfUser(t *testing.T) {
	hub := newTestHub(nil, 8)
	first := testSession(hub, "alice")
	second := testSession(hub, "alice")
	other := testSession(hub, "bob")
	hub.Register(first)
	hub.Register(second)
	hub.Register(other)

	hub.BroadcastPortfolio("alice", snapshotAt("alice", time.Now().UTC()))

	assert.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, first).Type)
	assert.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, second).Type)
	requireNoFrame(t, other)
}

func TestBroadcastPortfolio_MonotonicPerSession(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	now := time.Now().UTC()
	hub.BroadcastPortfolio("alice", snapshotAt("alice", now))
	receiveEnvelope(t, session)

	// An older snapshot is dropped; the session never observes time going
	// backwards.
	hub.BroadcastPortfolio("alice", snapshotAt("alice", now.Add(-time.Minute)))
	requireNoFrame(t, session)

	hub.BroadcastPortfolio("alice", snapshotAt("alice", now.Add(time.Minute)))
	receiveEnvelope(t, session)
}

func TestBroadcastPortfolio_PositionChangeToSubscribersOnly(t *testing.T) {
	hub := newTestHub(nil, 8)
	subscriber := testSession(hub, "alice")
	bystander := testSession(hub, "alice")
	hub.Register(subscriber)
	hub.Register(bystander)
	subscriber.Subscribe("AAPL")

	base := time.Now().UTC()
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base, consolidated("AAPL", 10, 150)))
	receiveEnvelope(t, subscriber) // PORTFOLIO_UPDATE
	receiveEnvelope(t, bystander)

	// Quantity changed between cycles.
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(time.Second), consolidated("AAPL", 15, 150)))

	update := receiveEnvelope(t, subscriber)
	assert.Equal(t, models.MsgPortfolioUpdate, update.Type)
	change := receiveEnvelope(t, subscriber)
	assert.Equal(t, models.MsgPositionChange, change.Type)

	var payload models.PositionChangePayload
	require.NoError(t, json.Unmarshal(change.Data, &payload))
	assert.Equal(t, "AAPL", payload.Position.Symbol)
	assert.True(t, payload.Position.TotalQuantity.Equal(decimal.NewFromInt(15)))

	// The bystander gets the snapshot but no POSITION_CHANGE.
	assert.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, bystander).Type)
	requireNoFrame(t, bystander)
}

func TestBroadcastPortfolio_UnchangedPositionNotDiffed(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)
	session.Subscribe("AAPL")

	base := time.Now().UTC()
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base, consolidated("AAPL", 10, 150)))
	receiveEnvelope(t, session)

	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(time.Second), consolidated("AAPL", 10, 150)))
	assert.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, session).Type)
	requireNoFrame(t, session)
}

func TestBroadcastPortfolio_RemovedPositionDeliveredWithZeroQuantity(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)
	session.Subscribe("AAPL")

	base := time.Now().UTC()
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base, consolidated("AAPL", 10, 150)))
	receiveEnvelope(t, session)

	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(time.Second)))
	receiveEnvelope(t, session) // PORTFOLIO_UPDATE

	change := receiveEnvelope(t, session)
	require.Equal(t, models.MsgPositionChange, change.Type)
	var payload models.PositionChangePayload
	require.NoError(t, json.Unmarshal(change.Data, &payload))
	assert.Equal(t, "AAPL", payload.Position.Symbol)
	assert.True(t, payload.Position.TotalQuantity.IsZero())
}

func TestBroadcastPortfolio_OutOfOrderCycleKeepsDiffBaseline(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)
	session.Subscribe("AAPL")

	base := time.Now().UTC()
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base, consolidated("AAPL", 10, 150)))
	receiveEnvelope(t, session)

	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(2*time.Second), consolidated("AAPL", 15, 150)))
	require.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, session).Type)
	require.Equal(t, models.MsgPositionChange, receiveEnvelope(t, session).Type)

	// A slower cycle finishing out of order must not rewind the baseline or
	// emit changes of its own.
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(time.Second), consolidated("AAPL", 10, 150)))
	requireNoFrame(t, session)

	// The next on-time cycle carries the same holdings as the newest snapshot,
	// so nothing is diffed against a rewound baseline.
	hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(3*time.Second), consolidated("AAPL", 15, 150)))
	assert.Equal(t, models.MsgPortfolioUpdate, receiveEnvelope(t, session).Type)
	requireNoFrame(t, session)
}

func TestBroadcastBrokerStatus(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	hub.BroadcastBrokerStatus("alice", models.BrokerStatusEvent{
		UserID:    "alice",
		BrokerID:  "tradier",
		OldStatus: models.StatusConnected,
		NewStatus: models.StatusTokenExpired,
	})

	env := receiveEnvelope(t, session)
	require.Equal(t, models.MsgBrokerStatus, env.Type)
	var event models.BrokerStatusEvent
	require.NoError(t, json.Unmarshal(env.Data, &event))
	assert.Equal(t, models.StatusTokenExpired, event.NewStatus)
}

func TestTrySend_StaleSessionUnregisteredAfterRepeatedFailures(t *testing.T) {
	// Buffer of one frame: the session stops draining after the first send.
	hub := newTestHub(nil, 1)
	stuck := testSession(hub, "alice")
	healthy := testSession(hub, "alice")
	hub.Register(stuck)
	hub.Register(healthy)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		hub.BroadcastPortfolio("alice", snapshotAt("alice", base.Add(time.Duration(i)*time.Second)))
		// The healthy session keeps draining.
		select {
		case <-healthy.send:
		default:
		}
	}

	// One queued frame, then three consecutive failed sends: the stuck session
	// is gone while the healthy one survives.
	assert.Equal(t, 1, hub.SessionCount("alice"))
	assert.Equal(t, []string{"alice"}, hub.ActiveUsers())
}

func TestTrySend_ConcurrentWithCloseSend(t *testing.T) {
	// Queuing a frame and closing the send channel race on every client
	// disconnect that overlaps a broadcast. Neither side may panic, and a
	// session never accepts frames after its queue closed.
	hub := newTestHub(nil, 1)
	frame := []byte(`{"type":"PORTFOLIO_UPDATE"}`)

	for i := 0; i < 2000; i++ {
		session := testSession(hub, "alice")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				session.trySend(frame)
			}
		}()
		go func() {
			defer wg.Done()
			session.closeSend()
		}()
		wg.Wait()

		assert.False(t, session.trySend(frame), "send after close must fail")
	}
}

func TestSessionSubscriptions(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")

	assert.False(t, session.Subscribed("AAPL"))
	session.Subscribe("AAPL")
	assert.True(t, session.Subscribed("AAPL"))
	session.Unsubscribe("AAPL")
	assert.False(t, session.Subscribed("AAPL"))
}

func TestHandleMessage_PingPong(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	frame, err := json.Marshal(models.Envelope{Type: models.MsgPing})
	require.NoError(t, err)
	session.handleMessage(frame)

	env := receiveEnvelope(t, session)
	assert.Equal(t, models.MsgPong, env.Type)
}

func TestHandleMessage_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	payload, _ := json.Marshal(models.SubscribePayload{Symbol: "AAPL"})
	frame, _ := json.Marshal(models.Envelope{Type: models.MsgSubscribePosition, Data: payload})
	session.handleMessage(frame)
	assert.True(t, session.Subscribed("AAPL"))

	frame, _ = json.Marshal(models.Envelope{Type: models.MsgUnsubscribe, Data: payload})
	session.handleMessage(frame)
	assert.False(t, session.Subscribed("AAPL"))
}

func TestHandleMessage_MalformedAndUnknownIgnored(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	session.handleMessage([]byte("not json"))
	session.handleMessage([]byte(`{"type":"SOMETHING_ELSE"}`))
	requireNoFrame(t, session)
}

func TestRunStatusEvents_StopsOnContextCancel(t *testing.T) {
	hub := newTestHub(nil, 8)
	session := testSession(hub, "alice")
	hub.Register(session)

	events := make(chan models.BrokerStatusEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.RunStatusEvents(ctx, events)
		close(done)
	}()

	events <- models.BrokerStatusEvent{UserID: "alice", BrokerID: "alpaca", OldStatus: models.StatusConnected, NewStatus: models.StatusDegraded}
	env := receiveEnvelope(t, session)
	assert.Equal(t, models.MsgBrokerStatus, env.Type)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("status consumer did not stop")
	}
}
