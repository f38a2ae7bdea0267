package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bobmcallan/brokersync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 4096
)

// Session is one live websocket connection for a user.
type Session struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu             sync.Mutex
	subscribed     map[string]bool
	lastDelivered  time.Time
	sendFailures   int
	lastActivityAt time.Time
	sendClosed     bool
}

// newSession creates a session for an upgraded connection.
func newSession(hub *Hub, conn *websocket.Conn, userID string) *Session {
	return &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, hub.sendBuffer),
		subscribed:     make(map[string]bool),
		lastActivityAt: time.Now().UTC(),
	}
}

// ServeWS upgrades an HTTP request into a streaming session for the user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	session := newSession(h, conn, userID)
	h.Register(session)

	go session.writePump()
	go session.readPump()
}

// Subscribe adds a symbol to the session's position subscriptions.
func (s *Session) Subscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed[symbol] = true
}

// Unsubscribe removes a symbol subscription.
func (s *Session) Unsubscribe(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, symbol)
}

// Subscribed reports whether the session subscribed to a symbol.
func (s *Session) Subscribed(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[symbol]
}

// advanceDelivered returns true when a snapshot at ts may be delivered, and
// records it as the newest delivered. Older snapshots are dropped so delivery
// stays monotonic per session.
func (s *Session) advanceDelivered(ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.Before(s.lastDelivered) {
		return false
	}
	s.lastDelivered = ts
	return true
}

// trySend queues a frame without blocking. It also resets the consecutive
// failure counter on success. The mutex is held across the send so the
// closed-check stays atomic with it; closeSend takes the same lock, so the
// channel can never be closed between the check and the send. The select
// cannot block while holding the lock because of its default case.
func (s *Session) trySend(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return false
	}

	select {
	case s.send <- data:
		s.sendFailures = 0
		return true
	default:
		return false
	}
}

func (s *Session) recordSendFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFailures++
	return s.sendFailures
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now().UTC()
}

// writePump sends queued frames to the connection and keeps it alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client frames until the connection closes. A client
// disconnect only tears down this session; in-flight refresh cycles keep
// running and populate the shared cache.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.hub.logger.Debug().Err(err).
			Str("session_id", s.ID).
			Msg("Ignoring malformed client frame")
		return
	}

	switch env.Type {
	case models.MsgPing:
		if pong, err := models.NewEnvelope(models.MsgPong, nil); err == nil {
			if out, err := json.Marshal(pong); err == nil {
				s.trySend(out)
			}
		}

	case models.MsgRefreshPortfolio:
		// The snapshot arrives via the ordinary broadcast path; concurrent
		// requests coalesce onto the single in-flight cycle.
		go func() {
			if _, err := s.hub.refresher.Refresh(context.Background(), s.UserID, true); err != nil {
				s.hub.logger.Warn().Err(err).
					Str("user_id", s.UserID).
					Msg("Client-requested refresh failed")
			}
		}()

	case models.MsgSubscribePosition:
		var payload models.SubscribePayload
		if err := json.Unmarshal(env.Data, &payload); err == nil && payload.Symbol != "" {
			s.Subscribe(payload.Symbol)
		}

	case models.MsgUnsubscribe:
		var payload models.SubscribePayload
		if err := json.Unmarshal(env.Data, &payload); err == nil && payload.Symbol != "" {
			s.Unsubscribe(payload.Symbol)
		}

	default:
		s.hub.logger.Debug().
			Str("type", env.Type).
			Str("session_id", s.ID).
			Msg("Ignoring unknown client frame type")
	}
}
