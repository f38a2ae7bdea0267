package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConsolidatedPosition is one symbol merged across all contributing brokers.
// Exactly one exists per distinct symbol per user per aggregation cycle, and
// the per-broker breakdown quantities always sum to TotalQuantity.
type ConsolidatedPosition struct {
	Symbol             string               `json:"symbol"`
	CompanyLabel       string               `json:"company_label,omitempty"`
	TotalQuantity      decimal.Decimal      `json:"total_quantity"`
	WeightedAvgCost    decimal.Decimal      `json:"weighted_avg_cost"`
	CurrentPrice       decimal.Decimal      `json:"current_price"`
	CurrentValue       decimal.Decimal      `json:"current_value"`
	UnrealizedPnL      decimal.Decimal      `json:"unrealized_pnl"`
	PriceStale         bool                 `json:"price_stale,omitempty"`
	PerBrokerBreakdown []BrokerContribution `json:"per_broker_breakdown"`
}

// ConsolidatedPortfolio is one complete, timestamped snapshot of a user's
// holdings across all linked brokers. It is a rebuildable cache entry, never
// the system of record.
type ConsolidatedPortfolio struct {
	UserID               string                 `json:"user_id"`
	TotalValue           decimal.Decimal        `json:"total_value"`
	TotalCost            decimal.Decimal        `json:"total_cost"`
	UnrealizedPnL        decimal.Decimal        `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal        `json:"unrealized_pnl_percent"`
	DayChange            decimal.Decimal        `json:"day_change"`
	Positions            []ConsolidatedPosition `json:"positions"`
	BrokerBreakdown      []BrokerStatus         `json:"broker_breakdown"`
	LastUpdated          time.Time              `json:"last_updated"`
}

// Position returns the consolidated position for a symbol, or nil.
func (p *ConsolidatedPortfolio) Position(symbol string) *ConsolidatedPosition {
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			return &p.Positions[i]
		}
	}
	return nil
}
