// Package models defines data structures for BrokerSync
package models

import "time"

// ConnectionStatus is the health state of a broker connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDegraded     ConnectionStatus = "DEGRADED"
	StatusTokenExpired ConnectionStatus = "TOKEN_EXPIRED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusSuspended    ConnectionStatus = "SUSPENDED"
)

// BrokerConnection is a user's linked credential/session to one external
// brokerage account. Created once an external OAuth exchange succeeds; status
// is mutated only by the health monitor, user unlink/relink, or admin action.
type BrokerConnection struct {
	ID                  string           `json:"id" badgerhold:"key"`
	UserID              string           `json:"user_id" badgerhold:"index"`
	BrokerID            string           `json:"broker_id"`
	AccountID           string           `json:"account_id"`
	CredentialRef       string           `json:"credential_ref"`
	Status              ConnectionStatus `json:"status"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastSuccessAt       time.Time        `json:"last_success_at"`
	LastHealthCheckAt   time.Time        `json:"last_health_check_at"`
	CreatedAt           time.Time        `json:"created_at"`
}

// IsActive reports whether the connection may contribute data to an
// aggregation cycle. Connections outside CONNECTED/DEGRADED never contribute,
// but their absence never blocks the remaining connections.
func (c *BrokerConnection) IsActive() bool {
	return c.Status == StatusConnected || c.Status == StatusDegraded
}

// StatusTransition is the result of a registry health mutation.
type StatusTransition struct {
	ConnectionID string
	UserID       string
	BrokerID     string
	From         ConnectionStatus
	To           ConnectionStatus
	Reason       string
}

// Changed reports whether the mutation moved the connection to a new status.
func (t *StatusTransition) Changed() bool {
	return t.From != t.To
}

// BrokerStatusEvent is emitted by the health monitor whenever a connection
// changes status. Delivered to the streaming hub over an explicit channel.
type BrokerStatusEvent struct {
	UserID       string           `json:"user_id"`
	ConnectionID string           `json:"connection_id"`
	BrokerID     string           `json:"broker_id"`
	OldStatus    ConnectionStatus `json:"old_status"`
	NewStatus    ConnectionStatus `json:"new_status"`
	Reason       string           `json:"reason,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// BrokerStatus is the per-broker slice of a consolidated response, so clients
// can distinguish "stale because broker X is down" from "fully fresh".
type BrokerStatus struct {
	ConnectionID string           `json:"connection_id"`
	BrokerID     string           `json:"broker_id"`
	Status       ConnectionStatus `json:"status"`
	Contributed  bool             `json:"contributed"`
	Positions    int              `json:"positions"`
	Error        string           `json:"error,omitempty"`
}
