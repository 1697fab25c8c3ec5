package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Limits holds the configured risk parameters. Zero-valued optional limits are not enforced.
type Limits struct {
	DailyLossLimit      decimal.Decimal `json:"daily_loss_limit" yaml:"dailyLossLimit"`
	WeeklyLossLimit     decimal.Decimal `json:"weekly_loss_limit" yaml:"weeklyLossLimit"`
	MaxPositionSize     decimal.Decimal `json:"max_position_size" yaml:"maxPositionSize"`
	MaxPortfolioHeat    decimal.Decimal `json:"max_portfolio_heat" yaml:"maxPortfolioHeat"`
	MaxCorrelation      decimal.Decimal `json:"max_correlation" yaml:"maxCorrelation"`
	PerTradeStopPct     decimal.Decimal `json:"per_trade_stop_pct" yaml:"perTradeStopPct"`
	MaxSingleOrderValue decimal.Decimal `json:"max_single_order_value" yaml:"maxSingleOrderValue"`
	MaxOrdersPerMinute  int             `json:"max_orders_per_minute" yaml:"maxOrdersPerMinute"`
	MaxDailyTrades      int             `json:"max_daily_trades" yaml:"maxDailyTrades"`
	MarginCallThreshold decimal.Decimal `json:"margin_call_threshold" yaml:"marginCallThreshold"`
}

// DefaultLimits mirrors the engine's production defaults.
func DefaultLimits() Limits {
	return Limits{
		DailyLossLimit:      decimal.NewFromInt(1000),
		MaxPositionSize:     decimal.NewFromInt(10000),
		MaxPortfolioHeat:    decimal.RequireFromString("0.06"),
		MaxCorrelation:      decimal.RequireFromString("0.7"),
		PerTradeStopPct:     decimal.RequireFromString("0.02"),
		MaxSingleOrderValue: decimal.NewFromInt(5000),
		MaxOrdersPerMinute:  10,
		MaxDailyTrades:      100,
		MarginCallThreshold: decimal.RequireFromString("0.25"),
	}
}

// Validate reports the first inconsistent limit.
func (l Limits) Validate() error {
	if !l.DailyLossLimit.IsPositive() {
		return fmt.Errorf("daily_loss_limit must be positive")
	}
	for name, v := range map[string]decimal.Decimal{
		"weekly_loss_limit":      l.WeeklyLossLimit,
		"max_position_size":      l.MaxPositionSize,
		"max_portfolio_heat":     l.MaxPortfolioHeat,
		"max_correlation":        l.MaxCorrelation,
		"per_trade_stop_pct":     l.PerTradeStopPct,
		"max_single_order_value": l.MaxSingleOrderValue,
		"margin_call_threshold":  l.MarginCallThreshold,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	one := decimal.NewFromInt(1)
	if l.MaxPortfolioHeat.GreaterThan(one) || l.PerTradeStopPct.GreaterThan(one) || l.MarginCallThreshold.GreaterThan(one) {
		return fmt.Errorf("fractional limits must not exceed 1")
	}
	if l.MaxOrdersPerMinute < 0 || l.MaxDailyTrades < 0 {
		return fmt.Errorf("order count limits must not be negative")
	}
	return nil
}

// LimitsPatch names the limit fields a config update touches. Nil fields are left unchanged.
type LimitsPatch struct {
	DailyLossLimit      *decimal.Decimal `json:"daily_loss_limit,omitempty"`
	WeeklyLossLimit     *decimal.Decimal `json:"weekly_loss_limit,omitempty"`
	MaxPositionSize     *decimal.Decimal `json:"max_position_size,omitempty"`
	MaxPortfolioHeat    *decimal.Decimal `json:"max_portfolio_heat,omitempty"`
	MaxCorrelation      *decimal.Decimal `json:"max_correlation,omitempty"`
	PerTradeStopPct     *decimal.Decimal `json:"per_trade_stop_pct,omitempty"`
	MaxSingleOrderValue *decimal.Decimal `json:"max_single_order_value,omitempty"`
	MaxOrdersPerMinute  *int             `json:"max_orders_per_minute,omitempty"`
	MaxDailyTrades      *int             `json:"max_daily_trades,omitempty"`
	MarginCallThreshold *decimal.Decimal `json:"margin_call_threshold,omitempty"`
}

// Empty reports whether the patch touches no field.
func (p LimitsPatch) Empty() bool {
	return p == LimitsPatch{}
}

// Apply returns base with the patched fields overwritten.
func (p LimitsPatch) Apply(base Limits) Limits {
	setDec := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}
	setDec(&base.DailyLossLimit, p.DailyLossLimit)
	setDec(&base.WeeklyLossLimit, p.WeeklyLossLimit)
	setDec(&base.MaxPositionSize, p.MaxPositionSize)
	setDec(&base.MaxPortfolioHeat, p.MaxPortfolioHeat)
	setDec(&base.MaxCorrelation, p.MaxCorrelation)
	setDec(&base.PerTradeStopPct, p.PerTradeStopPct)
	setDec(&base.MaxSingleOrderValue, p.MaxSingleOrderValue)
	setDec(&base.MarginCallThreshold, p.MarginCallThreshold)
	if p.MaxOrdersPerMinute != nil {
		base.MaxOrdersPerMinute = *p.MaxOrdersPerMinute
	}
	if p.MaxDailyTrades != nil {
		base.MaxDailyTrades = *p.MaxDailyTrades
	}
	return base
}
