package alpaca

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/schema"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, KeyID: "key", SecretKey: "secret", RateLimit: 1000, Burst: 100})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{}); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestAccountSendsAuthHeaders(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v2/account" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"id":"acct","equity":"100250.50","last_equity":"100000","cash":"50000","buying_power":"200000","portfolio_value":"100250.50","pattern_day_trader":false,"trading_blocked":false}`)
	}))
	acct, err := c.Account(context.Background())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if !acct.Equity.Equal(decimal.RequireFromString("100250.50")) || !acct.LastEquity.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected account %+v", acct)
	}
	if acct.Blocked() {
		t.Fatal("account should not be blocked")
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"is_open":true}`)
	}))
	open, err := c.IsMarketOpen(context.Background())
	if err != nil || !open {
		t.Fatalf("is open: %v %v", open, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestOrdersAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	intent := schema.OrderIntent{Symbol: "SPY", Side: schema.SideBuy, Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	if _, err := c.PlaceOrder(context.Background(), intent, "id-1"); !errs.Is(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestPlaceLimitOrder(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req orderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Type != "limit" || req.LimitPrice != "101.25" || req.ClientOrderID != "momentum_SPY_1" || req.Qty != "5" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"code":42210000,"message":"bad request"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"o-1","client_order_id":"momentum_SPY_1","symbol":"SPY","side":"buy","status":"accepted","qty":"5","filled_qty":"0","filled_avg_price":null,"submitted_at":"2024-01-02T15:04:05Z"}`)
	}))
	limit := decimal.RequireFromString("101.25")
	intent := schema.OrderIntent{Symbol: "spy", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: decimal.NewFromInt(5), LimitPrice: &limit}
	res, err := c.PlaceOrder(context.Background(), intent, "momentum_SPY_1")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.ID != "o-1" || res.Status != schema.OrderStatusAccepted || !res.FilledAvgPrice.IsZero() {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDuplicateClientOrderID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"code":40010001,"message":"client_order_id must be unique"}`)
	}))
	intent := schema.OrderIntent{Symbol: "SPY", Side: schema.SideSell, Type: schema.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}
	res, err := c.PlaceOrder(context.Background(), intent, "dup")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Status != schema.OrderStatusDuplicate || res.ClientOrderID != "dup" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCancelAndCloseAll(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		switch {
		case r.URL.Path == "/v2/orders":
			_, _ = io.WriteString(w, `[{"id":"a","status":200},{"id":"b","status":200}]`)
		case strings.HasPrefix(r.URL.Path, "/v2/positions"):
			_, _ = io.WriteString(w, `[{"symbol":"SPY","status":200,"body":{"id":"c","symbol":"SPY","side":"sell","status":"filled","qty":"3","filled_qty":"3","filled_avg_price":"470.10"}},{"symbol":"QQQ","status":403,"body":{}}]`)
		}
	}))
	ctx := context.Background()
	n, err := c.CancelAllOrders(ctx)
	if err != nil || n != 2 {
		t.Fatalf("cancel all: %d %v", n, err)
	}
	results, err := c.CloseAllPositions(ctx)
	if err != nil || len(results) != 2 {
		t.Fatalf("close all: %+v %v", results, err)
	}
	if results[0].Status != schema.OrderStatusFilled || !results[0].FilledAvgPrice.Equal(decimal.RequireFromString("470.10")) {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Symbol != "QQQ" || results[1].Status != schema.OrderStatusRejected {
		t.Fatalf("unexpected second result %+v", results[1])
	}
}

func TestPositionsShortSide(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"symbol":"TSLA","qty":"4","side":"short","avg_entry_price":"200","current_price":"190","unrealized_pl":"40"}]`)
	}))
	positions, err := c.Positions(context.Background())
	if err != nil || len(positions) != 1 {
		t.Fatalf("positions: %+v %v", positions, err)
	}
	if !positions[0].Quantity.Equal(decimal.NewFromInt(-4)) {
		t.Fatalf("short quantity = %s", positions[0].Quantity)
	}
}
