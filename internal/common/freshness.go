// Package common provides shared utilities for BrokerSync
package common

import "time"

// Default freshness TTLs and cycle timings. All of these are inferred defaults
// for a near-real-time dashboard and can be overridden in configuration.
const (
	DefaultSnapshotFreshness = 5 * time.Minute
	DefaultRefreshInterval   = 30 * time.Second
	DefaultBrokerCallTimeout = 5 * time.Second
)

// IsFresh returns true if the given timestamp is within the TTL
func IsFresh(updated time.Time, ttl time.Duration) bool {
	if updated.IsZero() {
		return false
	}
	return time.Since(updated) < ttl
}
