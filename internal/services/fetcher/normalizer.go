package fetcher

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/brokersync/internal/models"
)

// Normalizer maps broker-native positions into the canonical schema. It is a
// pure mapping: the same raw position and broker id always yield the same
// result, and a failure drops only the offending position.
type Normalizer struct {
	// symbolMap rewrites broker-native symbols to canonical form, keyed by
	// broker id then native symbol (e.g. Tradier's "BRK/B" -> "BRK.B").
	symbolMap map[string]map[string]string

	// lotSizes scales brokers that report quantities in lots rather than
	// shares, keyed by broker id then canonical symbol.
	lotSizes map[string]map[string]decimal.Decimal
}

// NewNormalizer creates a normalizer with the default per-broker mapping tables.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		symbolMap: map[string]map[string]string{
			"tradier": {
				"BRK/A": "BRK.A",
				"BRK/B": "BRK.B",
			},
		},
		lotSizes: map[string]map[string]decimal.Decimal{},
	}
}

// WithSymbolMapping adds or overrides one broker-native symbol rewrite.
func (n *Normalizer) WithSymbolMapping(brokerID, native, canonical string) *Normalizer {
	if n.symbolMap[brokerID] == nil {
		n.symbolMap[brokerID] = map[string]string{}
	}
	n.symbolMap[brokerID][native] = canonical
	return n
}

// WithLotSize sets a per-broker lot multiplier for a symbol.
func (n *Normalizer) WithLotSize(brokerID, symbol string, lotSize decimal.Decimal) *Normalizer {
	if n.lotSizes[brokerID] == nil {
		n.lotSizes[brokerID] = map[string]decimal.Decimal{}
	}
	n.lotSizes[brokerID][symbol] = lotSize
	return n
}

// Normalize maps one raw position into the canonical schema.
func (n *Normalizer) Normalize(raw models.RawPosition, brokerID string) (models.NormalizedPosition, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return models.NormalizedPosition{}, &models.NormalizationError{
			BrokerID: brokerID,
			Symbol:   raw.Symbol,
			Reason:   "empty symbol",
		}
	}

	if mapped, ok := n.symbolMap[brokerID][symbol]; ok {
		symbol = mapped
	}

	quantity := raw.Quantity
	avgCost := raw.AvgCost

	if lot, ok := n.lotSizes[brokerID][symbol]; ok {
		if lot.Sign() <= 0 {
			return models.NormalizedPosition{}, &models.NormalizationError{
				BrokerID: brokerID,
				Symbol:   symbol,
				Reason:   "non-positive lot size",
			}
		}
		// Lot-reported brokers: quantity scales up, per-share cost scales down.
		quantity = quantity.Mul(lot)
		avgCost = avgCost.Div(lot)
	}

	if avgCost.Sign() < 0 {
		return models.NormalizedPosition{}, &models.NormalizationError{
			BrokerID: brokerID,
			Symbol:   symbol,
			Reason:   "negative average cost",
		}
	}

	return models.NormalizedPosition{
		Symbol:       symbol,
		BrokerID:     brokerID,
		Quantity:     quantity,
		AvgCost:      avgCost,
		CompanyLabel: strings.TrimSpace(raw.CompanyLabel),
	}, nil
}
