package clients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bobmcallan/brokersync/internal/models"
)

type staticBroker struct {
	id string
}

func (b *staticBroker) BrokerID() string { return b.id }

func (b *staticBroker) GetPositions(ctx context.Context, accountID string) ([]models.RawPosition, error) {
	return nil, nil
}

func (b *staticBroker) GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error) {
	return nil, nil
}

func (b *staticBroker) CheckConnectivity(ctx context.Context) bool { return true }

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Empty(t, registry.BrokerIDs())

	registry.Register(&staticBroker{id: "tradier"})
	registry.Register(&staticBroker{id: "alpaca"})

	client, ok := registry.Lookup("alpaca")
	assert.True(t, ok)
	assert.Equal(t, "alpaca", client.BrokerID())

	_, ok = registry.Lookup("robinhood")
	assert.False(t, ok)

	assert.Equal(t, []string{"alpaca", "tradier"}, registry.BrokerIDs())
}

func TestRegistry_ReplaceKeepsLatest(t *testing.T) {
	registry := NewRegistry()
	first := &staticBroker{id: "alpaca"}
	second := &staticBroker{id: "alpaca"}
	registry.Register(first)
	registry.Register(second)

	client, ok := registry.Lookup("alpaca")
	assert.True(t, ok)
	assert.Same(t, second, client)
	assert.Len(t, registry.BrokerIDs(), 1)
}
