// Package clients holds the broker capability registry.
//
// Adding a broker means implementing interfaces.BrokerClient in its own
// package and registering the instance here; nothing in the aggregation core
// switches on broker type.
package clients

import (
	"sort"
	"sync"

	"github.com/bobmcallan/brokersync/internal/interfaces"
)

// Registry is a lookup table from broker id to its client capability.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]interfaces.BrokerClient
}

// NewRegistry creates an empty broker registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]interfaces.BrokerClient)}
}

// Register adds or replaces the client for its broker id.
func (r *Registry) Register(client interfaces.BrokerClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[client.BrokerID()] = client
}

// Lookup returns the client for a broker id.
func (r *Registry) Lookup(brokerID string) (interfaces.BrokerClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[brokerID]
	return client, ok
}

// BrokerIDs returns the registered broker ids in sorted order.
func (r *Registry) BrokerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
