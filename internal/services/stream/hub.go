// Package stream fans consolidated snapshots out to live websocket sessions.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Refresher is the slice of the refresh service the hub needs: cached
// snapshots on registration and force-refresh on client request.
type Refresher interface {
	Refresh(ctx context.Context, userID string, force bool) (*models.ConsolidatedPortfolio, error)
	Cached(userID string) *models.ConsolidatedPortfolio
}

// Hub holds live session registrations per user and fans out consolidated
// snapshots, incremental position changes, and broker status events. Sends to
// each session are isolated: a failing session never affects delivery to the
// others, and a session is auto-unregistered after the configured number of
// consecutive failed sends.
type Hub struct {
	refresher Refresher
	logger    *common.Logger

	sendBuffer      int
	maxSendFailures int

	mu       sync.RWMutex
	sessions map[string]map[*Session]bool // user id -> sessions

	// previous snapshot per user, for POSITION_CHANGE diffing
	prev map[string]*models.ConsolidatedPortfolio
}

// NewHub creates a streaming hub.
func NewHub(refresher Refresher, cfg common.StreamConfig, logger *common.Logger) *Hub {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	maxSendFailures := cfg.MaxSendFailures
	if maxSendFailures <= 0 {
		maxSendFailures = 3
	}
	return &Hub{
		refresher:       refresher,
		logger:          logger,
		sendBuffer:      sendBuffer,
		maxSendFailures: maxSendFailures,
		sessions:        make(map[string]map[*Session]bool),
		prev:            make(map[string]*models.ConsolidatedPortfolio),
	}
}

// Register adds a session and immediately pushes the current cached snapshot
// so new sessions never wait for the next cycle.
func (h *Hub) Register(session *Session) {
	h.mu.Lock()
	if h.sessions[session.UserID] == nil {
		h.sessions[session.UserID] = make(map[*Session]bool)
	}
	h.sessions[session.UserID][session] = true
	count := len(h.sessions[session.UserID])
	h.mu.Unlock()

	h.logger.Debug().
		Str("user_id", session.UserID).
		Str("session_id", session.ID).
		Int("sessions", count).
		Msg("Streaming session registered")

	if snapshot := h.refresher.Cached(session.UserID); snapshot != nil {
		if env, err := models.NewEnvelope(models.MsgPortfolioUpdate, snapshot); err == nil {
			h.deliverSnapshot(session, env, snapshot)
		}
	}
}

// Unregister removes a session and closes its outbound queue.
func (h *Hub) Unregister(session *Session) {
	h.mu.Lock()
	sessions, ok := h.sessions[session.UserID]
	if ok {
		if _, present := sessions[session]; present {
			delete(sessions, session)
			session.closeSend()
		}
		if len(sessions) == 0 {
			delete(h.sessions, session.UserID)
			delete(h.prev, session.UserID)
		}
	}
	h.mu.Unlock()

	h.logger.Debug().
		Str("user_id", session.UserID).
		Str("session_id", session.ID).
		Msg("Streaming session unregistered")
}

// ActiveUsers returns the users with at least one live session, in sorted
// order. Consumed by the refresh scheduler's periodic loop.
func (h *Hub) ActiveUsers() []string {
	h.mu.RLock()
	users := make([]string, 0, len(h.sessions))
	for userID := range h.sessions {
		users = append(users, userID)
	}
	h.mu.RUnlock()
	sort.Strings(users)
	return users
}

// SessionCount returns the number of live sessions for a user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// BroadcastPortfolio pushes a completed snapshot to every session of the
// user, plus POSITION_CHANGE frames to symbol subscribers.
func (h *Hub) BroadcastPortfolio(userID string, portfolio *models.ConsolidatedPortfolio) {
	env, err := models.NewEnvelope(models.MsgPortfolioUpdate, portfolio)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal portfolio update")
		return
	}

	// Read the previous snapshot and claim the diff baseline in one critical
	// section. Two overlapping cycles for the same user otherwise race on
	// prev, and the slower one could rewind it or emit stale changes.
	h.mu.Lock()
	sessions := h.snapshotSessions(userID)
	previous := h.prev[userID]
	stale := previous != nil && portfolio.LastUpdated.Before(previous.LastUpdated)
	if !stale {
		if _, live := h.sessions[userID]; live {
			h.prev[userID] = portfolio
		}
	}
	h.mu.Unlock()

	for _, session := range sessions {
		h.deliverSnapshot(session, env, portfolio)
	}
	if stale {
		return
	}

	changed := changedPositions(previous, portfolio)
	for _, position := range changed {
		payload := models.PositionChangePayload{UserID: userID, Position: position}
		changeEnv, err := models.NewEnvelope(models.MsgPositionChange, payload)
		if err != nil {
			continue
		}
		data, _ := json.Marshal(changeEnv)
		for _, session := range sessions {
			if session.Subscribed(position.Symbol) {
				h.trySend(session, data)
			}
		}
	}
}

// BroadcastBrokerStatus pushes a broker status-change event to every session
// of the user.
func (h *Hub) BroadcastBrokerStatus(userID string, event models.BrokerStatusEvent) {
	env, err := models.NewEnvelope(models.MsgBrokerStatus, event)
	if err != nil {
		return
	}
	data, _ := json.Marshal(env)

	h.mu.RLock()
	sessions := h.snapshotSessions(userID)
	h.mu.RUnlock()

	for _, session := range sessions {
		h.trySend(session, data)
	}
}

// RunStatusEvents consumes the health monitor's status channel until ctx is
// cancelled. Call as a goroutine.
func (h *Hub) RunStatusEvents(ctx context.Context, events <-chan models.BrokerStatusEvent) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("Streaming hub: status consumer stopped")
			return
		case event := <-events:
			h.BroadcastBrokerStatus(event.UserID, event)
		}
	}
}

// snapshotSessions copies the user's session set under the caller's lock.
func (h *Hub) snapshotSessions(userID string) []*Session {
	sessions := make([]*Session, 0, len(h.sessions[userID]))
	for session := range h.sessions[userID] {
		sessions = append(sessions, session)
	}
	return sessions
}

// deliverSnapshot sends a snapshot to one session, enforcing monotonic
// per-session delivery: a frame older than the last one delivered is dropped.
func (h *Hub) deliverSnapshot(session *Session, env *models.Envelope, portfolio *models.ConsolidatedPortfolio) {
	if !session.advanceDelivered(portfolio.LastUpdated) {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.trySend(session, data)
}

// trySend queues a frame without blocking. A full queue counts as a failed
// send; enough consecutive failures unregister the session.
func (h *Hub) trySend(session *Session, data []byte) {
	if session.trySend(data) {
		return
	}

	failures := session.recordSendFailure()
	h.logger.Warn().
		Str("user_id", session.UserID).
		Str("session_id", session.ID).
		Int("failures", failures).
		Msg("Streaming send failed")

	if failures >= h.maxSendFailures {
		h.logger.Warn().
			Str("user_id", session.UserID).
			Str("session_id", session.ID).
			Msg("Unregistering stale streaming session")
		h.Unregister(session)
	}
}

// changedPositions returns positions whose quantity, price, or value differ
// from the previous snapshot, plus positions that disappeared (delivered with
// zero quantity).
func changedPositions(previous, current *models.ConsolidatedPortfolio) []models.ConsolidatedPosition {
	if previous == nil {
		return nil
	}

	var changed []models.ConsolidatedPosition
	for _, pos := range current.Positions {
		old := previous.Position(pos.Symbol)
		if old == nil ||
			!old.TotalQuantity.Equal(pos.TotalQuantity) ||
			!old.CurrentPrice.Equal(pos.CurrentPrice) ||
			!old.CurrentValue.Equal(pos.CurrentValue) {
			changed = append(changed, pos)
		}
	}
	for _, old := range previous.Positions {
		if current.Position(old.Symbol) == nil {
			gone := old
			gone.TotalQuantity = gone.TotalQuantity.Sub(gone.TotalQuantity)
			gone.CurrentValue = gone.CurrentValue.Sub(gone.CurrentValue)
			gone.PerBrokerBreakdown = nil
			changed = append(changed, gone)
		}
	}
	return changed
}
