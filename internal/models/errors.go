package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the aggregation core.
var (
	// ErrNoActiveConnections is returned only when zero brokers could
	// contribute to a cycle; partial results never surface it.
	ErrNoActiveConnections = errors.New("no active broker connections")

	// ErrConnectionNotFound is returned for operations on unknown connection ids.
	ErrConnectionNotFound = errors.New("broker connection not found")

	// ErrConnectionSuspended is returned when an operation targets a suspended
	// connection; only an administrative reactivation clears it.
	ErrConnectionSuspended = errors.New("broker connection suspended")
)

// ErrorClass buckets fetch failures for the health monitor's transitions.
type ErrorClass string

const (
	ErrorClassAuth       ErrorClass = "auth"       // no retry, drives TOKEN_EXPIRED
	ErrorClassConnection ErrorClass = "connection" // retried next cycle, drives DEGRADED/DISCONNECTED
)

// authFailure is implemented by client errors that indicate an invalid or
// expired credential (e.g. upstream 401/403).
type authFailure interface {
	AuthFailure() bool
}

// IsAuthError reports whether err is an auth-class failure.
func IsAuthError(err error) bool {
	var af authFailure
	if errors.As(err, &af) {
		return af.AuthFailure()
	}
	return false
}

// Classify maps an error to its failure class.
func Classify(err error) ErrorClass {
	if IsAuthError(err) {
		return ErrorClassAuth
	}
	return ErrorClassConnection
}

// NormalizationError reports one broker position that could not be mapped to
// the canonical schema. The offending position is dropped from the cycle; the
// broker's remaining positions proceed.
type NormalizationError struct {
	BrokerID string
	Symbol   string
	Reason   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s position %q: %s", e.BrokerID, e.Symbol, e.Reason)
}

// InvariantError reports a consolidated position that violated an aggregation
// invariant (e.g. negative merged quantity). The position is excluded and
// logged; the rest of the portfolio is still returned.
type InvariantError struct {
	Symbol string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("aggregation invariant violated for %s: %s", e.Symbol, e.Reason)
}
