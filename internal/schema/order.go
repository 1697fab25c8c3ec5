// Package schema defines the trading data model shared across livecore components.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy opens or adds to a long position.
	SideBuy Side = "buy"
	// SideSell reduces a long position or opens a short one.
	SideSell Side = "sell"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType enumerates the order types a strategy may request.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit executes at the limit price or better.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStop becomes a market order once the stop price trades.
	OrderTypeStop OrderType = "stop"
	// OrderTypeStopLimit becomes a limit order once the stop price trades.
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderIntent is a strategy's request to trade, prior to any risk or mode gating.
// Intents are never mutated after creation; use WithQuantity to derive a capped copy.
type OrderIntent struct {
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       OrderType        `json:"order_type"`
	Quantity   decimal.Decimal  `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	Strategy   string           `json:"strategy"`
	Tag        string           `json:"tag,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// WithQuantity returns a copy of the intent carrying qty.
func (i OrderIntent) WithQuantity(qty decimal.Decimal) OrderIntent {
	i.Quantity = qty
	return i
}

// WithStrategy returns a copy of the intent attributed to strategy.
func (i OrderIntent) WithStrategy(strategy string) OrderIntent {
	i.Strategy = strategy
	return i
}

// Validate checks that the intent is well formed for its order type.
func (i OrderIntent) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("symbol required")
	}
	if !i.Side.Valid() {
		return fmt.Errorf("unsupported side %q", i.Side)
	}
	if !i.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	switch i.Type {
	case OrderTypeMarket:
		return nil
	case OrderTypeLimit:
		if i.LimitPrice == nil || !i.LimitPrice.IsPositive() {
			return fmt.Errorf("limit order requires limit price")
		}
		return nil
	case OrderTypeStop:
		if i.StopPrice == nil || !i.StopPrice.IsPositive() {
			return fmt.Errorf("stop order requires stop price")
		}
		return nil
	case OrderTypeStopLimit:
		if i.LimitPrice == nil || !i.LimitPrice.IsPositive() {
			return fmt.Errorf("stop-limit order requires limit price")
		}
		if i.StopPrice == nil || !i.StopPrice.IsPositive() {
			return fmt.Errorf("stop-limit order requires stop price")
		}
		return nil
	default:
		return fmt.Errorf("unsupported order type %q", i.Type)
	}
}

// QuotedPrice returns the price the intent names itself: the limit price, else the stop price.
func (i OrderIntent) QuotedPrice() (decimal.Decimal, bool) {
	if i.LimitPrice != nil && i.LimitPrice.IsPositive() {
		return *i.LimitPrice, true
	}
	if i.StopPrice != nil && i.StopPrice.IsPositive() {
		return *i.StopPrice, true
	}
	return decimal.Zero, false
}

// OrderStatus is the broker-reported state of a placed order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusDuplicate       OrderStatus = "duplicate"
)

// Terminal reports whether no further fills can occur.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderResult is returned by the order gateway for each submission.
type OrderResult struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Status         OrderStatus     `json:"status"`
	Quantity       decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	Reason         string          `json:"reason,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// Account summarises the broker account.
type Account struct {
	ID                   string          `json:"id"`
	Equity               decimal.Decimal `json:"equity"`
	LastEquity           decimal.Decimal `json:"last_equity"`
	Cash                 decimal.Decimal `json:"cash"`
	BuyingPower          decimal.Decimal `json:"buying_power"`
	PortfolioValue       decimal.Decimal `json:"portfolio_value"`
	PatternDayTrader     bool            `json:"pattern_day_trader"`
	TradingBlocked       bool            `json:"trading_blocked"`
	AccountBlocked       bool            `json:"account_blocked"`
	TradeSuspendedByUser bool            `json:"trade_suspended_by_user"`
}

// Blocked reports whether any broker-side block prevents trading.
func (a Account) Blocked() bool {
	return a.TradingBlocked || a.AccountBlocked || a.TradeSuspendedByUser
}
