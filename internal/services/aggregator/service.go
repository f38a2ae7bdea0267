// Package aggregator merges normalized positions into a consolidated portfolio.
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/brokersync/internal/common"
	"github.com/bobmcallan/brokersync/internal/interfaces"
	"github.com/bobmcallan/brokersync/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Service implements Aggregator. The merge is deterministic and commutative:
// per-broker inputs are processed in sorted broker-id order, so the result is
// independent of arrival order, including the first-non-empty company label
// tie-break.
type Service struct {
	prices   interfaces.MarketDataClient
	registry interfaces.ConnectionRegistry
	logger   *common.Logger
}

// NewService creates an aggregation service.
func NewService(prices interfaces.MarketDataClient, registry interfaces.ConnectionRegistry, logger *common.Logger) *Service {
	return &Service{
		prices:   prices,
		registry: registry,
		logger:   logger,
	}
}

// symbolGroup accumulates one symbol's contributions across brokers.
type symbolGroup struct {
	label         string
	contributions []models.BrokerContribution
}

// Aggregate merges the per-broker fetch results for a user into one
// consolidated portfolio. Failed brokers contribute nothing but are reported
// in the broker breakdown; only a cycle with zero contributing brokers
// returns ErrNoActiveConnections.
func (s *Service) Aggregate(ctx context.Context, userID string, results map[string]*models.FetchResult) (*models.ConsolidatedPortfolio, error) {
	brokerIDs := make([]string, 0, len(results))
	for id := range results {
		brokerIDs = append(brokerIDs, id)
	}
	sort.Strings(brokerIDs)

	groups := make(map[string]*symbolGroup)
	breakdown := make([]models.BrokerStatus, 0, len(results))
	contributed := 0

	for _, brokerID := range brokerIDs {
		result := results[brokerID]
		status := models.BrokerStatus{
			ConnectionID: result.ConnectionID,
			BrokerID:     brokerID,
			Status:       s.connectionStatus(ctx, result.ConnectionID),
			Contributed:  result.OK(),
		}
		if !result.OK() {
			status.Error = result.Err.Error()
			breakdown = append(breakdown, status)
			continue
		}

		contributed++
		status.Positions = len(result.Positions)
		breakdown = append(breakdown, status)

		for _, pos := range result.Positions {
			group, ok := groups[pos.Symbol]
			if !ok {
				group = &symbolGroup{}
				groups[pos.Symbol] = group
			}
			// First non-empty label in sorted broker order wins. Arbitrary
			// but reproducible; see DESIGN.md.
			if group.label == "" && pos.CompanyLabel != "" {
				group.label = pos.CompanyLabel
			}
			group.contributions = append(group.contributions, models.BrokerContribution{
				BrokerID: pos.BrokerID,
				Quantity: pos.Quantity,
				AvgCost:  pos.AvgCost,
			})
		}
	}

	if contributed == 0 {
		return nil, models.ErrNoActiveConnections
	}

	symbols := make([]string, 0, len(groups))
	for symbol := range groups {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	quotes := s.lookupQuotes(ctx, symbols)

	portfolio := &models.ConsolidatedPortfolio{
		UserID:          userID,
		BrokerBreakdown: breakdown,
		Positions:       make([]models.ConsolidatedPosition, 0, len(symbols)),
		LastUpdated:     time.Now().UTC(),
	}

	totalValue := decimal.Zero
	totalCost := decimal.Zero
	dayChange := decimal.Zero

	for _, symbol := range symbols {
		position, err := consolidate(symbol, groups[symbol])
		if err != nil {
			// Invariant violations exclude the position, never the portfolio.
			s.logger.Error().Err(err).
				Str("user_id", userID).
				Str("symbol", symbol).
				Msg("Excluding position from consolidated portfolio")
			continue
		}

		if quote, ok := quotes[symbol]; ok {
			position.CurrentPrice = quote.Price
			position.CurrentValue = quote.Price.Mul(position.TotalQuantity)
			position.UnrealizedPnL = position.CurrentValue.Sub(position.WeightedAvgCost.Mul(position.TotalQuantity))
			if !quote.PrevClose.IsZero() {
				dayChange = dayChange.Add(quote.Price.Sub(quote.PrevClose).Mul(position.TotalQuantity))
			}
		} else {
			position.PriceStale = true
		}

		totalValue = totalValue.Add(position.CurrentValue)
		totalCost = totalCost.Add(position.WeightedAvgCost.Mul(position.TotalQuantity))

		portfolio.Positions = append(portfolio.Positions, *position)
	}

	portfolio.TotalValue = totalValue
	portfolio.TotalCost = totalCost
	portfolio.UnrealizedPnL = totalValue.Sub(totalCost)
	portfolio.DayChange = dayChange
	if totalCost.IsZero() {
		portfolio.UnrealizedPnLPercent = decimal.Zero
	} else {
		portfolio.UnrealizedPnLPercent = portfolio.UnrealizedPnL.Div(totalCost).Mul(hundred).Round(4)
	}

	s.logger.Debug().
		Str("user_id", userID).
		Int("brokers", contributed).
		Int("positions", len(portfolio.Positions)).
		Msg("Portfolio aggregated")

	return portfolio, nil
}

// consolidate merges one symbol's contributions. Weighted average cost is
// rounded to cents; it is zero when the merged quantity is zero.
func consolidate(symbol string, group *symbolGroup) (*models.ConsolidatedPosition, error) {
	totalQuantity := decimal.Zero
	costSum := decimal.Zero

	for _, c := range group.contributions {
		totalQuantity = totalQuantity.Add(c.Quantity)
		costSum = costSum.Add(c.AvgCost.Mul(c.Quantity))
	}

	if totalQuantity.Sign() < 0 {
		return nil, &models.InvariantError{Symbol: symbol, Reason: "negative merged quantity"}
	}

	weightedAvgCost := decimal.Zero
	if !totalQuantity.IsZero() {
		weightedAvgCost = costSum.Div(totalQuantity).Round(2)
	}

	// Sort the breakdown for stable output regardless of input order.
	contributions := make([]models.BrokerContribution, len(group.contributions))
	copy(contributions, group.contributions)
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].BrokerID < contributions[j].BrokerID
	})

	return &models.ConsolidatedPosition{
		Symbol:             symbol,
		CompanyLabel:       group.label,
		TotalQuantity:      totalQuantity,
		WeightedAvgCost:    weightedAvgCost,
		CurrentPrice:       decimal.Zero,
		CurrentValue:       decimal.Zero,
		UnrealizedPnL:      decimal.Zero,
		PerBrokerBreakdown: contributions,
	}, nil
}

// lookupQuotes resolves prices for the cycle in one batched call. A price
// provider outage degrades positions to stale rather than failing the cycle.
func (s *Service) lookupQuotes(ctx context.Context, symbols []string) map[string]models.Quote {
	if len(symbols) == 0 || s.prices == nil {
		return map[string]models.Quote{}
	}
	quotes, err := s.prices.GetQuotes(ctx, symbols)
	if err != nil {
		s.logger.Warn().Err(err).Int("symbols", len(symbols)).Msg("Price lookup failed; serving stale prices")
		return map[string]models.Quote{}
	}
	return quotes
}

func (s *Service) connectionStatus(ctx context.Context, connectionID string) models.ConnectionStatus {
	if s.registry == nil {
		return ""
	}
	conn, err := s.registry.Get(ctx, connectionID)
	if err != nil {
		return ""
	}
	return conn.Status
}
