package models

import "github.com/shopspring/decimal"

// RawPosition is a broker-native position record as returned by a broker
// client, before normalization.
type RawPosition struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CompanyLabel string          `json:"company_label,omitempty"`
}

// NormalizedPosition is a broker-agnostic position in the canonical schema.
type NormalizedPosition struct {
	Symbol       string          `json:"symbol"`
	BrokerID     string          `json:"broker_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	CompanyLabel string          `json:"company_label,omitempty"`
}

// BrokerContribution is one broker's share of a consolidated position.
type BrokerContribution struct {
	BrokerID string          `json:"broker_id"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// AccountSummary is broker-level account data used for cash balances.
type AccountSummary struct {
	AccountID   string          `json:"account_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Currency    string          `json:"currency"`
}

// Quote is a current price for one symbol from the market data service.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	PrevClose decimal.Decimal `json:"prev_close"`
}
