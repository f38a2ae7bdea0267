// Package refresh schedules fetch-and-aggregate cycles per user.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/models"
)

// Publisher receives each completed snapshot for fan-out to live sessions.
type Publisher interface {
	BroadcastPortfolio(userID string, portfolio *models.ConsolidatedPortfolio)
}

// SessionLister reports which users currently hold live sessions, driving the
// periodic refresh loop.
type SessionLister interface {
	ActiveUsers() []string
}

// cycle is one in-flight fetch-and-aggregate run. Concurrent refresh triggers
// for the same user join it instead of issuing duplicate broker calls.
type cycle struct {
	done     chan struct{}
	snapshot *models.ConsolidatedPortfolio
	err      error
}

// userState is the per-user gate and cache entry. The cached snapshot is
// single-writer (the completing cycle), multi-reader.
type userState struct {
	mu       sync.Mutex
	snapshot *models.ConsolidatedPortfolio
	inflight *cycle
}

// Service implements RefreshService with cache-then-refresh semantics: a
// fresh cached snapshot is served immediately; otherwise callers coalesce
// onto at most one in-flight cycle per user. Gates are key-scoped per user,
// so cross-user refreshes stay fully parallel.
type Service struct {
	fetcher    interfaces.PortfolioFetcher
	aggregator interfaces.Aggregator
	publisher  Publisher
	sessions   SessionLister
	logger     *common.Logger

	interval  time.Duration
	freshness time.Duration

	mu    sync.Mutex
	users map[string]*userState

	// baseCtx bounds cycle execution to server lifetime rather than the
	// triggering request: a caller disconnect never cancels an in-flight
	// cycle, whose result still populates the cache for the next consumer.
	baseCtx context.Context
}

// NewService creates a refresh scheduler.
func NewService(
	fetcher interfaces.PortfolioFetcher,
	aggregator interfaces.Aggregator,
	cfg common.AggregationConfig,
	logger *common.Logger,
) *Service {
	return &Service{
		fetcher:    fetcher,
		aggregator: aggregator,
		logger:     logger,
		interval:   cfg.GetRefreshInterval(),
		freshness:  cfg.GetSnapshotFreshness(),
		users:      make(map[string]*userState),
		baseCtx:    context.Background(),
	}
}

// SetPublisher wires the streaming hub for snapshot fan-out. Set once during
// startup, before any cycle runs.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetSessionLister wires the source of users with live sessions.
func (s *Service) SetSessionLister(l SessionLister) {
	s.sessions = l
}

func (s *Service) state(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{}
		s.users[userID] = st
	}
	return st
}

// Cached returns the current cached snapshot without triggering a cycle.
func (s *Service) Cached(userID string) *models.ConsolidatedPortfolio {
	st := s.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot
}

// Refresh returns a consolidated snapshot for the user. Without force, a
// snapshot inside the freshness window is returned immediately. Otherwise the
// caller observes the result of the single in-flight cycle for this user.
func (s *Service) Refresh(ctx context.Context, userID string, force bool) (*models.ConsolidatedPortfolio, error) {
	st := s.state(userID)

	st.mu.Lock()
	if !force && st.snapshot != nil && common.IsFresh(st.snapshot.LastUpdated, s.freshness) {
		snapshot := st.snapshot
		st.mu.Unlock()
		return snapshot, nil
	}

	if st.inflight != nil {
		c := st.inflight
		st.mu.Unlock()
		return s.await(ctx, c)
	}

	c := &cycle{done: make(chan struct{})}
	st.inflight = c
	st.mu.Unlock()

	go s.run(userID, st, c)

	return s.await(ctx, c)
}

// await blocks until the cycle completes or the caller gives up. The cycle
// itself keeps running either way.
func (s *Service) await(ctx context.Context, c *cycle) (*models.ConsolidatedPortfolio, error) {
	select {
	case <-c.done:
		return c.snapshot, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one fetch-and-aggregate cycle and publishes the result.
func (s *Service) run(userID string, st *userState, c *cycle) {
	start := time.Now()

	results, err := s.fetcher.FetchAll(s.baseCtx, userID)
	if err == nil {
		c.snapshot, err = s.aggregator.Aggregate(s.baseCtx, userID, results)
	}
	c.err = err

	st.mu.Lock()
	if c.snapshot != nil {
		// lastUpdated is monotonic per user: never replace the cache with an
		// older snapshot.
		if st.snapshot == nil || !c.snapshot.LastUpdated.Before(st.snapshot.LastUpdated) {
			st.snapshot = c.snapshot
		} else {
			c.snapshot = st.snapshot
		}
	}
	st.inflight = nil
	st.mu.Unlock()

	close(c.done)

	if c.err != nil {
		s.logger.Warn().Err(c.err).
			Str("user_id", userID).
			Dur("elapsed", time.Since(start)).
			Msg("Refresh cycle failed")
		return
	}

	s.logger.Debug().
		Str("user_id", userID).
		Int("positions", len(c.snapshot.Positions)).
		Dur("elapsed", time.Since(start)).
		Msg("Refresh cycle complete")

	if s.publisher != nil {
		s.publisher.BroadcastPortfolio(userID, c.snapshot)
	}
}

// Run drives periodic refreshes for every user with live sessions. Call as a
// goroutine; it exits when ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Refresh scheduler: stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	if s.sessions == nil {
		return
	}
	for _, userID := range s.sessions.ActiveUsers() {
		go func(userID string) {
			if _, err := s.Refresh(ctx, userID, true); err != nil && err != models.ErrNoActiveConnections {
				s.logger.Warn().Err(err).Str("user_id", userID).Msg("Scheduled refresh failed")
			}
		}(userID)
	}
}
