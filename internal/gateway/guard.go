package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

// PriceSource supplies the last known trade price for a symbol.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// Guard wraps a Gateway. It validates intents, answers duplicate client ids with a
// duplicate result, and re-checks the order value ceiling against the order's own price.
type Guard struct {
	next     Gateway
	maxValue func() decimal.Decimal
	prices   PriceSource
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMaxOrderValue supplies the live order value ceiling. Zero disables the check.
func WithMaxOrderValue(fn func() decimal.Decimal) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.maxValue = fn
		}
	}
}

// WithPrices supplies last prices for market orders.
func WithPrices(src PriceSource) GuardOption {
	return func(g *Guard) { g.prices = src }
}

// WithClock overrides the clock used to derive client order ids.
func WithClock(clock func() time.Time) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the guard logger.
func WithLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard wraps next.
func NewGuard(next Gateway, opts ...GuardOption) *Guard {
	g := &Guard{
		next:     next,
		maxValue: func() decimal.Decimal { return decimal.Zero },
		clock:    time.Now,
		logger:   zap.NewNop(),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Connect implements Gateway.
func (g *Guard) Connect(ctx context.Context) error { return g.next.Connect(ctx) }

// Account implements Gateway.
func (g *Guard) Account(ctx context.Context) (schema.Account, error) { return g.next.Account(ctx) }

// Positions implements Gateway.
func (g *Guard) Positions(ctx context.Context) ([]schema.Position, error) {
	return g.next.Positions(ctx)
}

// IsMarketOpen implements Gateway.
func (g *Guard) IsMarketOpen(ctx context.Context) (bool, error) { return g.next.IsMarketOpen(ctx) }

// PlaceOrder validates and submits intent. An empty clientOrderID is derived from the
// intent's strategy, symbol and the current instant.
func (g *Guard) PlaceOrder(ctx context.Context, intent schema.OrderIntent, clientOrderID string) (schema.OrderResult, error) {
	const op = "gateway.PlaceOrder"
	if err := intent.Validate(); err != nil {
		return schema.OrderResult{}, errs.New(op, errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	now := g.clock()
	if clientOrderID == "" {
		clientOrderID = ClientOrderID(intent.Strategy, intent.Symbol, now)
	}
	base := schema.OrderResult{
		ClientOrderID: clientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		SubmittedAt:   now.UTC(),
	}

	if reason, ok := g.checkValue(intent); !ok {
		g.logger.Warn("order value guard rejected intent",
			zap.String("symbol", intent.Symbol),
			zap.String("strategy", intent.Strategy),
			zap.String("reason", reason))
		base.Status = schema.OrderStatusRejected
		base.Reason = reason
		return base, nil
	}

	g.mu.Lock()
	if _, exists := g.pending[clientOrderID]; exists {
		g.mu.Unlock()
		base.Status = schema.OrderStatusDuplicate
		base.Reason = "client order id already pending"
		return base, nil
	}
	g.pending[clientOrderID] = now
	g.mu.Unlock()

	result, err := g.next.PlaceOrder(ctx, intent, clientOrderID)
	if err != nil || result.Status.Terminal() {
		g.release(clientOrderID)
	}
	if err != nil {
		return base, err
	}
	if result.ClientOrderID == "" {
		result.ClientOrderID = clientOrderID
	}
	return result, nil
}

// CancelAllOrders cancels at the broker and forgets every pending client id.
func (g *Guard) CancelAllOrders(ctx context.Context) (int, error) {
	n, err := g.next.CancelAllOrders(ctx)
	if err == nil {
		g.mu.Lock()
		g.pending = make(map[string]time.Time)
		g.mu.Unlock()
	}
	return n, err
}

// CloseAllPositions implements Gateway.
func (g *Guard) CloseAllPositions(ctx context.Context) ([]schema.OrderResult, error) {
	return g.next.CloseAllPositions(ctx)
}

// Release forgets a pending client id once its order reached a terminal status.
func (g *Guard) Release(clientOrderID string) {
	g.release(clientOrderID)
}

// Sweep forgets pending client ids submitted at least maxAge ago and reports how many
// were dropped. A non-positive maxAge keeps everything.
func (g *Guard) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := g.clock().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, submitted := range g.pending {
		if !submitted.After(cutoff) {
			delete(g.pending, id)
			n++
		}
	}
	return n
}

// Pending reports the number of submitted orders not known to be terminal.
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Guard) release(clientOrderID string) {
	g.mu.Lock()
	delete(g.pending, clientOrderID)
	g.mu.Unlock()
}

func (g *Guard) checkValue(intent schema.OrderIntent) (string, bool) {
	limit := g.maxValue()
	if !limit.IsPositive() {
		return "", true
	}
	price, ok := intent.QuotedPrice()
	if !ok && g.prices != nil {
		price, ok = g.prices.LastPrice(intent.Symbol)
	}
	if !ok || !price.IsPositive() {
		return "no reference price for " + intent.Symbol, false
	}
	value := intent.Quantity.Mul(price)
	if value.GreaterThan(limit) {
		return "Order value $" + value.StringFixed(2) + " exceeds max $" + limit.StringFixed(2), false
	}
	return "", true
}
