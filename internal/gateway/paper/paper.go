// Package paper implements an in-memory simulated broker. Marketable orders fill at the
// last known price; other orders rest until canceled.
package paper

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/gateway"
	"github.com/coachpo/livecore/internal/schema"
)

// Broker is a simulated account.
type Broker struct {
	prices gateway.PriceSource
	clock  func() time.Time

	mu         sync.Mutex
	connected  bool
	marketOpen bool
	cash       decimal.Decimal
	lastEquity decimal.Decimal
	positions  map[string]*schema.Position
	resting    map[string]schema.OrderResult
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the fill timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithMarketOpen sets the initial market session state.
func WithMarketOpen(open bool) Option {
	return func(b *Broker) { b.marketOpen = open }
}

// New constructs a broker funded with cash that prices fills from prices.
func New(cash decimal.Decimal, prices gateway.PriceSource, opts ...Option) *Broker {
	b := &Broker{
		prices:     prices,
		clock:      time.Now,
		marketOpen: true,
		cash:       cash,
		lastEquity: cash,
		positions:  make(map[string]*schema.Position),
		resting:    make(map[string]schema.OrderResult),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

var _ gateway.Gateway = (*Broker)(nil)

// Connect implements gateway.Gateway.
func (b *Broker) Connect(context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// SetMarketOpen toggles the simulated session.
func (b *Broker) SetMarketOpen(open bool) {
	b.mu.Lock()
	b.marketOpen = open
	b.mu.Unlock()
}

// StartDay records the current equity as the previous close used for daily P&L.
func (b *Broker) StartDay() {
	b.mu.Lock()
	b.lastEquity = b.equityLocked()
	b.mu.Unlock()
}

// Account implements gateway.Gateway.
func (b *Broker) Account(context.Context) (schema.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireConnectedLocked("paper.Account"); err != nil {
		return schema.Account{}, err
	}
	equity := b.equityLocked()
	return schema.Account{
		ID:             "paper",
		Equity:         equity,
		LastEquity:     b.lastEquity,
		Cash:           b.cash,
		BuyingPower:    b.cash,
		PortfolioValue: equity,
	}, nil
}

// Positions implements gateway.Gateway.
func (b *Broker) Positions(context.Context) ([]schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireConnectedLocked("paper.Positions"); err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, b.markLocked(*pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// PlaceOrder implements gateway.Gateway.
func (b *Broker) PlaceOrder(_ context.Context, intent schema.OrderIntent, clientOrderID string) (schema.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requireConnectedLocked("paper.PlaceOrder"); err != nil {
		return schema.OrderResult{}, err
	}
	result := schema.OrderResult{
		ID:            uuid.NewString(),
		ClientOrderID: clientOrderID,
		Symbol:        strings.ToUpper(intent.Symbol),
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		SubmittedAt:   b.clock().UTC(),
	}
	if !b.marketOpen {
		result.Status = schema.OrderStatusRejected
		result.Reason = "market closed"
		return result, nil
	}
	last, ok := b.lastPrice(result.Symbol)
	if !ok {
		result.Status = schema.OrderStatusRejected
		result.Reason = "no price for " + result.Symbol
		return result, nil
	}
	fillPrice, marketable := fillable(intent, last)
	if !marketable {
		result.Status = schema.OrderStatusAccepted
		b.resting[result.ID] = result
		return result, nil
	}
	b.fillLocked(result.Symbol, intent.Side, intent.Quantity, fillPrice)
	result.Status = schema.OrderStatusFilled
	result.FilledQty = intent.Quantity
	result.FilledAvgPrice = fillPrice
	return result, nil
}

// CancelAllOrders implements gateway.Gateway.
func (b *Broker) CancelAllOrders(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.resting)
	b.resting = make(map[string]schema.OrderResult)
	return n, nil
}

// CloseAllPositions implements gateway.Gateway.
func (b *Broker) CloseAllPositions(ctx context.Context) ([]schema.OrderResult, error) {
	positions, err := b.Positions(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]schema.OrderResult, 0, len(positions))
	for _, pos := range positions {
		side := schema.SideSell
		if pos.Quantity.IsNegative() {
			side = schema.SideBuy
		}
		intent := schema.OrderIntent{
			Symbol:   pos.Symbol,
			Side:     side,
			Type:     schema.OrderTypeMarket,
			Quantity: pos.Quantity.Abs(),
			Strategy: "flatten",
		}
		res, err := b.PlaceOrder(ctx, intent, gateway.ClientOrderID("flatten", pos.Symbol, b.clock()))
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// IsMarketOpen implements gateway.Gateway.
func (b *Broker) IsMarketOpen(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketOpen, nil
}

func (b *Broker) requireConnectedLocked(op string) error {
	if !b.connected {
		return errs.New(op, errs.CodeConnectivity, errs.WithMessage("paper broker not connected"))
	}
	return nil
}

func (b *Broker) lastPrice(symbol string) (decimal.Decimal, bool) {
	if b.prices == nil {
		return decimal.Zero, false
	}
	px, ok := b.prices.LastPrice(symbol)
	return px, ok && px.IsPositive()
}

// fillable returns the execution price and whether the order trades immediately.
func fillable(intent schema.OrderIntent, last decimal.Decimal) (decimal.Decimal, bool) {
	switch intent.Type {
	case schema.OrderTypeMarket:
		return last, true
	case schema.OrderTypeLimit:
		limit := *intent.LimitPrice
		if intent.Side == schema.SideBuy && last.LessThanOrEqual(limit) {
			return last, true
		}
		if intent.Side == schema.SideSell && last.GreaterThanOrEqual(limit) {
			return last, true
		}
		return decimal.Zero, false
	case schema.OrderTypeStop, schema.OrderTypeStopLimit:
		return decimal.Zero, false
	default:
		return decimal.Zero, false
	}
}

func (b *Broker) fillLocked(symbol string, side schema.Side, qty, price decimal.Decimal) {
	signed := qty.Mul(side.Sign())
	b.cash = b.cash.Sub(signed.Mul(price))

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &schema.Position{Symbol: symbol}
		b.positions[symbol] = pos
	}
	next := pos.Quantity.Add(signed)
	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		cost := pos.Quantity.Mul(pos.AvgEntryPrice).Add(signed.Mul(price))
		pos.AvgEntryPrice = cost.Div(next)
	default:
		closed := decimal.Min(qty, pos.Quantity.Abs())
		pnl := price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(decimal.NewFromInt(int64(pos.Quantity.Sign())))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		if !next.IsZero() && next.Sign() != pos.Quantity.Sign() {
			pos.AvgEntryPrice = price
		}
	}
	pos.Quantity = next
	if pos.Quantity.IsZero() {
		delete(b.positions, symbol)
	}
}

func (b *Broker) markLocked(pos schema.Position) schema.Position {
	px, ok := b.lastPrice(pos.Symbol)
	if !ok {
		px = pos.AvgEntryPrice
	}
	pos.CurrentPrice = px
	pos.UnrealizedPnL = px.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)
	return pos
}

func (b *Broker) equityLocked() decimal.Decimal {
	equity := b.cash
	for _, pos := range b.positions {
		marked := b.markLocked(*pos)
		equity = equity.Add(marked.Quantity.Mul(marked.CurrentPrice))
	}
	return equity
}
