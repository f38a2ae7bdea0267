// Package health drives broker connection status from fetch outcomes.
package health

import (
	"context"
	"time"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/models"
)

// Monitor consumes every portfolio fetch outcome, applies the registry's
// failure/success transitions, and forwards status changes to the streaming
// hub over an explicit channel. Delivery is a direct message send with
// backpressure; there is no broadcast bus.
type Monitor struct {
	registry interfaces.ConnectionRegistry
	logger   *common.Logger

	outcomes chan *models.FetchResult
	events   chan models.BrokerStatusEvent
}

// NewMonitor creates a health monitor.
func NewMonitor(registry interfaces.ConnectionRegistry, logger *common.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		logger:   logger,
		outcomes: make(chan *models.FetchResult, 64),
		events:   make(chan models.BrokerStatusEvent, 64),
	}
}

// Outcomes is the channel the fetcher reports every broker call result to.
func (m *Monitor) Outcomes() chan<- *models.FetchResult {
	return m.outcomes
}

// Events is the ordered stream of status-change events for the streaming hub.
func (m *Monitor) Events() <-chan models.BrokerStatusEvent {
	return m.events
}

// Run consumes outcomes until ctx is cancelled. Call as a goroutine.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor: stopped")
			return
		case outcome := <-m.outcomes:
			m.handle(ctx, outcome)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, outcome *models.FetchResult) {
	var transition *models.StatusTransition
	var err error

	if outcome.OK() {
		transition, err = m.registry.MarkSuccess(ctx, outcome.ConnectionID)
	} else {
		transition, err = m.registry.MarkFailure(ctx, outcome.ConnectionID, outcome.Err)
	}
	if err != nil {
		m.logger.Warn().Err(err).
			Str("connection_id", outcome.ConnectionID).
			Msg("Health monitor: registry update failed")
		return
	}

	if !transition.Changed() {
		return
	}

	event := models.BrokerStatusEvent{
		UserID:       transition.UserID,
		ConnectionID: transition.ConnectionID,
		BrokerID:     transition.BrokerID,
		OldStatus:    transition.From,
		NewStatus:    transition.To,
		Reason:       transition.Reason,
		OccurredAt:   time.Now().UTC(),
	}

	select {
	case m.events <- event:
	case <-ctx.Done():
	}
}
