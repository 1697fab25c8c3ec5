package schema

import "github.com/shopspring/decimal"

// Position is a held quantity of one symbol as reported by the broker.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// MarketValue is the absolute notional value of the position at its current price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice).Abs()
}

// Positions is an immutable symbol-keyed snapshot of held positions.
type Positions map[string]Position

// NewPositions builds a snapshot, dropping flat entries.
func NewPositions(list []Position) Positions {
	out := make(Positions, len(list))
	for _, p := range list {
		if p.Quantity.IsZero() {
			continue
		}
		out[p.Symbol] = p
	}
	return out
}

// UnrealizedPnL sums unrealized P&L across the snapshot.
func (ps Positions) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}
