package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single print from the market data stream.
type Trade struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Bar is a fixed-width OHLCV summary. Bars are immutable once emitted.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe time.Duration   `json:"timeframe"`
	Start     time.Time       `json:"start"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// End returns the exclusive end of the bar's bucket.
func (b Bar) End() time.Time {
	return b.Start.Add(b.Timeframe)
}
