package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ShadowSignal is an approved intent withheld because its strategy runs in shadow mode.
type ShadowSignal struct {
	Timestamp  time.Time        `json:"timestamp"`
	Strategy   string           `json:"strategy"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       OrderType        `json:"order_type"`
	Quantity   decimal.Decimal  `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Tag        string           `json:"tag,omitempty"`
}

// NewShadowSignal records intent as withheld at ts.
func NewShadowSignal(intent OrderIntent, ts time.Time) ShadowSignal {
	return ShadowSignal{
		Timestamp:  ts.UTC(),
		Strategy:   intent.Strategy,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Quantity:   intent.Quantity,
		LimitPrice: intent.LimitPrice,
		Tag:        intent.Tag,
	}
}

// CanaryTrade is one size-capped submission made in canary mode.
type CanaryTrade struct {
	Timestamp     time.Time       `json:"timestamp"`
	Strategy      string          `json:"strategy"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	SubmittedQty  decimal.Decimal `json:"submitted_qty"`
	ClientOrderID string          `json:"client_order_id"`
	OrderID       string          `json:"order_id,omitempty"`
	Status        OrderStatus     `json:"status"`
	Success       bool            `json:"success"`
}
