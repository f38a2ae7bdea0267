// Package fetcher invokes broker clients for a user's active connections.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/brokersync/internal/clients"
	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/models"
)

// Service implements PortfolioFetcher. Each active connection is fetched on
// its own goroutine under its own timeout: a slow or failing broker produces
// an error result for that broker only and never delays the others. The wall
// clock for a cycle is bounded by the slowest single call timeout, not the sum.
type Service struct {
	brokers     *clients.Registry
	connections interfaces.ConnectionRegistry
	normalizer  *Normalizer
	outcomes    chan<- *models.FetchResult
	callTimeout time.Duration
	logger      *common.Logger
}

// NewService creates a portfolio fetcher. Every call outcome is reported on
// the outcomes channel for the health monitor.
func NewService(
	brokers *clients.Registry,
	connections interfaces.ConnectionRegistry,
	outcomes chan<- *models.FetchResult,
	callTimeout time.Duration,
	logger *common.Logger,
) *Service {
	if callTimeout <= 0 {
		callTimeout = common.DefaultBrokerCallTimeout
	}
	return &Service{
		brokers:     brokers,
		connections: connections,
		normalizer:  NewNormalizer(),
		outcomes:    outcomes,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// FetchAll fetches positions for every active connection of the user in
// parallel. The result map is keyed by broker id and always contains one
// entry per active connection, successful or not.
func (s *Service) FetchAll(ctx context.Context, userID string) (map[string]*models.FetchResult, error) {
	active, err := s.connections.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active connections: %w", err)
	}

	results := make(map[string]*models.FetchResult, len(active))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, conn := range active {
		wg.Add(1)
		go func(conn *models.BrokerConnection) {
			defer wg.Done()
			result := s.fetchOne(ctx, conn)

			mu.Lock()
			results[conn.BrokerID] = result
			mu.Unlock()

			s.report(ctx, result)
		}(conn)
	}

	wg.Wait()
	return results, nil
}

// fetchOne performs a single broker call under the per-call timeout and
// normalizes the result set, dropping individual unmappable positions.
func (s *Service) fetchOne(ctx context.Context, conn *models.BrokerConnection) *models.FetchResult {
	start := time.Now()
	result := &models.FetchResult{
		ConnectionID: conn.ID,
		BrokerID:     conn.BrokerID,
	}

	client, ok := s.brokers.Lookup(conn.BrokerID)
	if !ok {
		result.Err = fmt.Errorf("no client registered for broker '%s'", conn.BrokerID)
		result.Elapsed = time.Since(start)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	raw, err := client.GetPositions(callCtx, conn.AccountID)
	result.Elapsed = time.Since(start)
	if err != nil {
		result.Err = err
		s.logger.Warn().Err(err).
			Str("broker_id", conn.BrokerID).
			Str("connection_id", conn.ID).
			Dur("elapsed", result.Elapsed).
			Msg("Broker fetch failed")
		return result
	}

	normalized := make([]models.NormalizedPosition, 0, len(raw))
	for _, r := range raw {
		pos, err := s.normalizer.Normalize(r, conn.BrokerID)
		if err != nil {
			// One bad position never discards the broker's remaining set.
			s.logger.Warn().Err(err).
				Str("broker_id", conn.BrokerID).
				Msg("Dropping unmappable position")
			continue
		}
		normalized = append(normalized, pos)
	}
	result.Positions = normalized

	s.logger.Debug().
		Str("broker_id", conn.BrokerID).
		Int("positions", len(normalized)).
		Dur("elapsed", result.Elapsed).
		Msg("Broker fetch complete")

	return result
}

func (s *Service) report(ctx context.Context, result *models.FetchResult) {
	if s.outcomes == nil {
		return
	}
	select {
	case s.outcomes <- result:
	case <-ctx.Done():
	}
}
