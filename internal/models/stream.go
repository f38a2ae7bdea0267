package models

import (
	"encoding/json"
	"time"
)

// Streaming wire protocol message types.
const (
	// Server → client
	MsgPortfolioUpdate = "PORTFOLIO_UPDATE"
	MsgPositionChange  = "POSITION_CHANGE"
	MsgBrokerStatus    = "BROKER_STATUS"
	MsgPong            = "PONG"

	// Client → server
	MsgRefreshPortfolio  = "REFRESH_PORTFOLIO"
	MsgSubscribePosition = "SUBSCRIBE_POSITION"
	MsgUnsubscribe       = "UNSUBSCRIBE_POSITION"
	MsgPing              = "PING"
)

// Envelope is the JSON frame exchanged over the streaming websocket.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a wire envelope. Marshal failures are the
// caller's bug (all payloads are local structs), so they surface as an error
// rather than a dropped frame.
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

// SubscribePayload is the body of SUBSCRIBE_POSITION / UNSUBSCRIBE_POSITION.
type SubscribePayload struct {
	Symbol string `json:"symbol"`
}

// PositionChangePayload is pushed to symbol subscribers when a consolidated
// position changed between successive cycles.
type PositionChangePayload struct {
	UserID   string               `json:"user_id"`
	Position ConsolidatedPosition `json:"position"`
}
