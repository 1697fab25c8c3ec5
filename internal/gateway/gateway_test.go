package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

type recordingGateway struct {
	mu       sync.Mutex
	placed   []string
	status   schema.OrderStatus
	placeErr error
}

func (r *recordingGateway) Connect(context.Context) error { return nil }
func (r *recordingGateway) Account(context.Context) (schema.Account, error) {
	return schema.Account{}, nil
}
func (r *recordingGateway) Positions(context.Context) ([]schema.Position, error) { return nil, nil }
func (r *recordingGateway) IsMarketOpen(context.Context) (bool, error)         { return true, nil }
func (r *recordingGateway) CancelAllOrders(context.Context) (int, error)       { return 2, nil }
func (r *recordingGateway) CloseAllPositions(context.Context) ([]schema.OrderResult, error) {
	return nil, nil
}
func (r *recordingGateway) PlaceOrder(_ context.Context, intent schema.OrderIntent, id string) (schema.OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.placeErr != nil {
		return schema.OrderResult{}, r.placeErr
	}
	r.placed = append(r.placed, id)
	status := r.status
	if status == "" {
		status = schema.OrderStatusNew
	}
	return schema.OrderResult{ID: "broker-1", ClientOrderID: id, Symbol: intent.Symbol, Status: status, Quantity: intent.Quantity}, nil
}

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) LastPrice(symbol string) (decimal.Decimal, bool) {
	px, ok := f[symbol]
	return px, ok
}

func marketIntent(qty int64) schema.OrderIntent {
	return schema.OrderIntent{
		Symbol:   "SPY",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
		Strategy: "momentum",
	}
}

func TestClientOrderIDFormat(t *testing.T) {
	instant := time.Date(2024, 1, 2, 3, 4, 5, 678901234, time.UTC)
	got := ClientOrderID("momentum", "spy", instant)
	if want := "momentum_SPY_20240102030405678901"; got != want {
		t.Fatalf("client order id = %q, want %q", got, want)
	}
}

func TestGuardReturnsDuplicateForPendingID(t *testing.T) {
	next := &recordingGateway{}
	g := NewGuard(next)
	ctx := context.Background()

	first, err := g.PlaceOrder(ctx, marketIntent(1), "dup-1")
	if err != nil || first.Status != schema.OrderStatusNew {
		t.Fatalf("first placement: %+v %v", first, err)
	}
	second, err := g.PlaceOrder(ctx, marketIntent(1), "dup-1")
	if err != nil {
		t.Fatalf("second placement: %v", err)
	}
	if second.Status != schema.OrderStatusDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Status)
	}
	if len(next.placed) != 1 {
		t.Fatalf("broker saw %d orders, want 1", len(next.placed))
	}
	if g.Pending() != 1 {
		t.Fatalf("pending = %d", g.Pending())
	}

	if _, err := g.CancelAllOrders(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if g.Pending() != 0 {
		t.Fatal("cancel all should release pending ids")
	}
	if third, _ := g.PlaceOrder(ctx, marketIntent(1), "dup-1"); third.Status != schema.OrderStatusNew {
		t.Fatalf("id should be reusable after cancel, got %s", third.Status)
	}
}

func TestGuardReleasesTerminalAndFailedOrders(t *testing.T) {
	next := &recordingGateway{status: schema.OrderStatusFilled}
	g := NewGuard(next)
	ctx := context.Background()
	if _, err := g.PlaceOrder(ctx, marketIntent(1), "a"); err != nil {
		t.Fatalf("place: %v", err)
	}
	if g.Pending() != 0 {
		t.Fatal("filled orders must not stay pending")
	}

	next.placeErr = errs.Connectivity("broker.place", errors.New("reset"))
	if _, err := g.PlaceOrder(ctx, marketIntent(1), "b"); !errs.Is(err, errs.CodeConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if g.Pending() != 0 {
		t.Fatal("failed submissions must not stay pending")
	}
}

func TestGuardSweepExpiresStalePendingIDs(t *testing.T) {
	next := &recordingGateway{}
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	g := NewGuard(next, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	if _, err := g.PlaceOrder(ctx, marketIntent(1), "old"); err != nil {
		t.Fatalf("place: %v", err)
	}
	now = now.Add(50 * time.Minute)
	if _, err := g.PlaceOrder(ctx, marketIntent(1), "fresh"); err != nil {
		t.Fatalf("place: %v", err)
	}
	if n := g.Sweep(0); n != 0 || g.Pending() != 2 {
		t.Fatalf("zero ttl must keep everything, swept %d", n)
	}

	now = now.Add(10 * time.Minute)
	if n := g.Sweep(time.Hour); n != 1 {
		t.Fatalf("expected one expired id, got %d", n)
	}
	if g.Pending() != 1 {
		t.Fatalf("pending = %d", g.Pending())
	}
	if res, _ := g.PlaceOrder(ctx, marketIntent(1), "old"); res.Status != schema.OrderStatusNew {
		t.Fatalf("expired id should be reusable, got %s", res.Status)
	}
	if res, _ := g.PlaceOrder(ctx, marketIntent(1), "fresh"); res.Status != schema.OrderStatusDuplicate {
		t.Fatalf("fresh id should still be pending, got %s", res.Status)
	}
}

func TestGuardOrderValueUsesLimitPrice(t *testing.T) {
	next := &recordingGateway{}
	g := NewGuard(next,
		WithMaxOrderValue(func() decimal.Decimal { return decimal.NewFromInt(5000) }),
		WithPrices(fixedPrices{"SPY": decimal.NewFromInt(40)}))
	ctx := context.Background()

	// 100 @ last 40 = 4000 passes.
	if res, _ := g.PlaceOrder(ctx, marketIntent(100), "m1"); res.Status != schema.OrderStatusNew {
		t.Fatalf("market order rejected: %+v", res)
	}

	limit := decimal.NewFromInt(60)
	intent := marketIntent(100)
	intent.Type = schema.OrderTypeLimit
	intent.LimitPrice = &limit
	res, err := g.PlaceOrder(ctx, intent, "l1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Status != schema.OrderStatusRejected {
		t.Fatalf("limit order above ceiling should be rejected, got %s", res.Status)
	}
	if res.Reason != "Order value $6000.00 exceeds max $5000.00" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
	if len(next.placed) != 1 {
		t.Fatalf("broker saw %d orders, want 1", len(next.placed))
	}
}

func TestGuardRejectsWithoutReferencePrice(t *testing.T) {
	g := NewGuard(&recordingGateway{}, WithMaxOrderValue(func() decimal.Decimal { return decimal.NewFromInt(10) }))
	res, err := g.PlaceOrder(context.Background(), marketIntent(1), "x")
	if err != nil || res.Status != schema.OrderStatusRejected {
		t.Fatalf("expected rejection, got %+v %v", res, err)
	}
}

func TestGuardValidatesIntent(t *testing.T) {
	g := NewGuard(&recordingGateway{})
	intent := marketIntent(1)
	intent.Type = schema.OrderTypeStop
	if _, err := g.PlaceOrder(context.Background(), intent, ""); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for stop order without stop price, got %v", err)
	}
}

func TestGuardDerivesClientID(t *testing.T) {
	next := &recordingGateway{}
	instant := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	g := NewGuard(next, WithClock(func() time.Time { return instant }))
	res, err := g.PlaceOrder(context.Background(), marketIntent(1), "")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.ClientOrderID != "momentum_SPY_20240506070809000000" {
		t.Fatalf("unexpected derived id %q", res.ClientOrderID)
	}
}
