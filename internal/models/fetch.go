package models

import "time"

// FetchResult is the outcome of one broker call within an aggregation cycle.
// Either Positions or Err is set; a failing broker never fails the cycle.
type FetchResult struct {
	ConnectionID string
	BrokerID     string
	Positions    []NormalizedPosition
	Err          error
	Elapsed      time.Duration
}

// OK reports whether the broker contributed data to the cycle.
func (r *FetchResult) OK() bool {
	return r.Err == nil
}
