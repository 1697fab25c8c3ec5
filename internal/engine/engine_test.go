package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/bus/controlbus"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/marketdata"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
	"github.com/coachpo/livecore/internal/strategy"
	"github.com/coachpo/livecore/internal/telemetry"
)

type placed struct {
	intent   schema.OrderIntent
	clientID string
}

type fakeGateway struct {
	mu        sync.Mutex
	orders    []placed
	cancels   int
	closes    int
	positions []schema.Position
	account   schema.Account
	open      bool
	placeErr  error
	hold      map[string]chan struct{}
	entered   chan string
}

func (g *fakeGateway) Connect(context.Context) error { return nil }

func (g *fakeGateway) Account(context.Context) (schema.Account, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.account, nil
}

func (g *fakeGateway) Positions(context.Context) ([]schema.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]schema.Position(nil), g.positions...), nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, intent schema.OrderIntent, clientID string) (schema.OrderResult, error) {
	g.mu.Lock()
	release := g.hold[intent.Symbol]
	entered := g.entered
	g.mu.Unlock()
	if release != nil {
		if entered != nil {
			entered <- intent.Symbol
		}
		<-release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		return schema.OrderResult{}, g.placeErr
	}
	g.orders = append(g.orders, placed{intent: intent, clientID: clientID})
	return schema.OrderResult{
		ID:            "ord-1",
		ClientOrderID: clientID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Status:        schema.OrderStatusAccepted,
		Quantity:      intent.Quantity,
	}, nil
}

func (g *fakeGateway) CancelAllOrders(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return 2, nil
}

func (g *fakeGateway) CloseAllPositions(context.Context) ([]schema.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	g.positions = nil
	return []schema.OrderResult{{ID: "close-1", Status: schema.OrderStatusAccepted}}, nil
}

func (g *fakeGateway) IsMarketOpen(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open, nil
}

func (g *fakeGateway) placed() []placed {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]placed(nil), g.orders...)
}

type scriptedStrategy struct {
	name    string
	mu      sync.Mutex
	intents []schema.OrderIntent
	bars    int
	warmup  int
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Warmup(_ context.Context, bars []schema.Bar) error {
	s.mu.Lock()
	s.warmup = len(bars)
	s.mu.Unlock()
	return nil
}

func (s *scriptedStrategy) OnBar(context.Context, schema.Bar) ([]schema.OrderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars++
	out := s.intents
	s.intents = nil
	return out, nil
}

func (s *scriptedStrategy) OnTimer(context.Context, time.Time) ([]schema.OrderIntent, error) {
	return nil, nil
}

type harness struct {
	engine   *Engine
	gateway  *fakeGateway
	risk     *risk.Manager
	registry *strategy.Registry
	market   *marketdata.Handler
	store    *statestore.Memory
	journal  *journal.Memory
	bus      *controlbus.MemoryBus
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	rm, err := risk.NewManager(risk.DefaultLimits())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	h := &harness{
		gateway:  &fakeGateway{account: schema.Account{Equity: decimal.NewFromInt(100000)}, open: true},
		risk:     rm,
		registry: strategy.NewRegistry(),
		market:   marketdata.NewHandler(),
		store:    statestore.NewMemory(nil),
		journal:  journal.NewMemory(),
		bus:      controlbus.NewMemoryBus(controlbus.MemoryConfig{}),
	}
	eng, err := New(cfg, Deps{
		Gateway:    h.gateway,
		Risk:       rm,
		Strategies: h.registry,
		Market:     h.market,
		Store:      h.store,
		Bus:        h.bus,
		Journal:    h.journal,
	}, WithMetrics(telemetry.NewEngineMetrics()))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = eng
	t.Cleanup(func() {
		_ = eng.Stop(context.Background())
		h.bus.Close()
	})
	return h
}

func (h *harness) register(t *testing.T, name string, mode schema.StrategyMode) *scriptedStrategy {
	t.Helper()
	s := &scriptedStrategy{name: name}
	if _, err := h.registry.Register(s, mode, []string{"SPY"}, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	return s
}

func limitBuy(strategy string, qty int64, price string) schema.OrderIntent {
	px := decimal.RequireFromString(price)
	return schema.OrderIntent{
		Symbol:     "SPY",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: &px,
		Strategy:   strategy,
	}
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.TradingEnabled = true
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCanaryCapsQuantity(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeCanary)

	res, err := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 500, "1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != telemetry.OutcomePlaced {
		t.Fatalf("expected placed, got %+v", res)
	}
	orders := h.gateway.placed()
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	if !orders[0].intent.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected capped qty 10, got %s", orders[0].intent.Quantity)
	}

	raw, err := h.store.Range(context.Background(), statestore.KeyCanaryTrades, 10)
	if err != nil || len(raw) != 1 {
		t.Fatalf("expected one canary trade, got %v %v", raw, err)
	}
	var trade schema.CanaryTrade
	if err := json.Unmarshal([]byte(raw[0]), &trade); err != nil {
		t.Fatalf("decode canary trade: %v", err)
	}
	if !trade.RequestedQty.Equal(decimal.NewFromInt(500)) || !trade.SubmittedQty.Equal(decimal.NewFromInt(10)) || !trade.Success {
		t.Fatalf("unexpected canary trade %+v", trade)
	}
	if got := h.journal.Orders(); len(got) != 1 || !got[0].Requested.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected journal orders %+v", got)
	}
}

func TestShadowRecordsOnlyApprovedSignals(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeShadow)
	ctx := context.Background()

	h.risk.EmergencyHalt()
	res, err := h.engine.ProcessIntent(ctx, limitBuy("alpha", 5, "100"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != telemetry.OutcomeRejected {
		t.Fatalf("expected rejection while halted, got %+v", res)
	}
	if n, _ := h.store.Len(ctx, statestore.KeyShadowIntents); n != 0 {
		t.Fatalf("rejected intent must not be logged as shadow signal, got %d", n)
	}

	h.risk.ResumeTrading()
	res, err = h.engine.ProcessIntent(ctx, limitBuy("alpha", 5, "100"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != telemetry.OutcomeShadowed {
		t.Fatalf("expected shadowed, got %+v", res)
	}
	if n, _ := h.store.Len(ctx, statestore.KeyShadowIntents); n != 1 {
		t.Fatalf("expected one shadow signal, got %d", n)
	}
	if len(h.gateway.placed()) != 0 {
		t.Fatal("shadow mode must not submit orders")
	}
	if st := h.risk.Status(); st.DailyTrades != 0 {
		t.Fatalf("shadow signals must not consume the trade budget, got %d", st.DailyTrades)
	}
}

func TestTradingGateDropsBeforeRiskCheck(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, "alpha", schema.ModeEnabled)

	res, err := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 1, "100"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != telemetry.OutcomeDropped || res.Reason != reasonTradingDisabled {
		t.Fatalf("expected drop at the gate, got %+v", res)
	}
	if st := h.risk.Status(); st.DailyTrades != 0 || st.OrdersThisMin != 0 {
		t.Fatalf("gate drop must not touch risk counters: %+v", st)
	}
}

func TestDisabledAndUnknownStrategiesDrop(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "off", schema.ModeDisabled)
	ctx := context.Background()

	if res, _ := h.engine.ProcessIntent(ctx, limitBuy("off", 1, "100")); res.Reason != reasonDisabled {
		t.Fatalf("expected disabled drop, got %+v", res)
	}
	if res, _ := h.engine.ProcessIntent(ctx, limitBuy("ghost", 1, "100")); res.Reason != reasonUnknownStrategy {
		t.Fatalf("expected unknown strategy drop, got %+v", res)
	}
}

func TestInvalidIntentIsValidationError(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	intent := limitBuy("alpha", 1, "100")
	intent.LimitPrice = nil

	_, err := h.engine.ProcessIntent(context.Background(), intent)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestExposureCapRejectsBeforeRiskBudget(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxExposure = decimal.NewFromInt(1000)
	h := newHarness(t, cfg)
	h.register(t, "alpha", schema.ModeEnabled)

	res, err := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 20, "100"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != telemetry.OutcomeRejected {
		t.Fatalf("expected exposure rejection, got %+v", res)
	}
	if st := h.risk.Status(); st.DailyTrades != 0 {
		t.Fatalf("exposure rejection must not consume the trade budget, got %d", st.DailyTrades)
	}
}

func TestSymbolUniverse(t *testing.T) {
	cfg := enabledConfig()
	cfg.AllowedSymbols = []string{"qqq"}
	h := newHarness(t, cfg)
	h.register(t, "alpha", schema.ModeEnabled)

	res, _ := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 1, "100"))
	if res.Reason != reasonSymbolBlocked {
		t.Fatalf("expected symbol drop, got %+v", res)
	}
}

func TestEmergencyStopForcesGateOff(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	ctx := context.Background()

	cmd := schema.NewCommand(schema.CommandEmergencyStop, time.Now())
	cmd.Reason = "manual"
	cmd.Flatten = true
	if err := h.engine.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	if h.engine.TradingEnabled() {
		t.Fatal("emergency stop must disable trading")
	}
	if halted, _ := h.risk.Halted(); !halted {
		t.Fatal("emergency stop must halt the risk manager")
	}
	if h.gateway.cancels != 1 || h.gateway.closes != 1 {
		t.Fatalf("expected cancel and flatten, got %d/%d", h.gateway.cancels, h.gateway.closes)
	}
	if h.engine.Mode() != systemModeEmergencyStop {
		t.Fatalf("unexpected mode %q", h.engine.Mode())
	}

	res, _ := h.engine.ProcessIntent(ctx, limitBuy("alpha", 1, "100"))
	if res.Outcome != telemetry.OutcomeDropped {
		t.Fatalf("intents after stop must drop, got %+v", res)
	}
}

func TestConfigUpdateIsAtomic(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	before := h.risk.Limits()

	cmd, err := schema.NewCommand(schema.CommandConfigUpdate, time.Now()).WithConfig(map[string]any{
		"max_daily_trades": 3,
		"canary_max_qty":   "0",
	})
	if err != nil {
		t.Fatalf("with config: %v", err)
	}
	if err := h.engine.HandleCommand(ctx, cmd); !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if h.risk.Limits().MaxDailyTrades != before.MaxDailyTrades {
		t.Fatal("rejected config must leave limits unchanged")
	}

	cmd, _ = schema.NewCommand(schema.CommandConfigUpdate, time.Now()).WithConfig(map[string]any{
		"max_portfolio_heat": "2",
		"canary_max_qty":     "5",
	})
	if err := h.engine.HandleCommand(ctx, cmd); err == nil {
		t.Fatal("expected invalid risk limits")
	}
	if !h.engine.CanaryMaxQty().Equal(decimal.NewFromInt(10)) {
		t.Fatalf("canary cap changed by rejected update: %s", h.engine.CanaryMaxQty())
	}

	cmd, _ = schema.NewCommand(schema.CommandUpdateConfig, time.Now()).WithConfig(map[string]any{
		"max_daily_trades": 3,
		"allowed_symbols":  []string{"spy"},
		"canary_max_qty":   "2",
	})
	if err := h.engine.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("config update: %v", err)
	}
	after := h.risk.Limits()
	if after.MaxDailyTrades != 3 || !after.DailyLossLimit.Equal(before.DailyLossLimit) {
		t.Fatalf("expected partial merge, got %+v", after)
	}
	if got := h.engine.AllowedSymbols(); len(got) != 1 || got[0] != "SPY" {
		t.Fatalf("unexpected symbols %v", got)
	}
	var published risk.Limits
	if err := statestore.GetJSON(ctx, h.store, statestore.KeyRiskLimits, &published); err != nil || published.MaxDailyTrades != 3 {
		t.Fatalf("limits not published: %+v %v", published, err)
	}
}

func TestUnknownCommandsAreIgnored(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	if err := h.engine.HandleCommand(ctx, schema.Command{Type: "self_destruct"}); err != nil {
		t.Fatalf("unknown command must be ignored, got %v", err)
	}
	cmd := schema.NewCommand(schema.CommandStrategyUpdate, time.Now())
	cmd.Strategy = "ghost"
	cmd.Status = "enabled"
	if err := h.engine.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("unknown strategy must be ignored, got %v", err)
	}
}

func TestStrategyUpdateAndSetMode(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeShadow)
	h.register(t, "beta", schema.ModeDisabled)
	ctx := context.Background()

	cmd := schema.NewCommand(schema.CommandStrategyUpdate, time.Now())
	cmd.Strategy = "alpha"
	cmd.Status = "canary"
	if err := h.engine.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("strategy update: %v", err)
	}
	if mode, _ := h.registry.Mode("alpha"); mode != schema.ModeCanary {
		t.Fatalf("expected canary, got %s", mode)
	}

	cmd = schema.NewCommand(schema.CommandSetMode, time.Now())
	cmd.Mode = "live"
	if err := h.engine.HandleCommand(ctx, cmd); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if mode, _ := h.registry.Mode("alpha"); mode != schema.ModeEnabled {
		t.Fatalf("expected enabled, got %s", mode)
	}
	if mode, _ := h.registry.Mode("beta"); mode != schema.ModeDisabled {
		t.Fatalf("disabled strategy must stay disabled, got %s", mode)
	}
	if got, _ := h.store.Get(ctx, statestore.KeySystemMode); got != "live" {
		t.Fatalf("unexpected stored mode %q", got)
	}
}

func TestEnableLiveTradingPromotesStrategies(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeCanary)
	cmd := schema.NewCommand(schema.CommandEnableLiveTrading, time.Now())
	cmd.ConfirmedBy = "ops"
	if err := h.engine.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("enable live: %v", err)
	}
	if !h.engine.LiveAuthorized() || h.engine.LiveAuthorizedBy() != "ops" {
		t.Fatal("expected live authorization")
	}
	if mode, _ := h.registry.Mode("alpha"); mode != schema.ModeEnabled {
		t.Fatalf("expected enabled, got %s", mode)
	}
}

func TestBarsFlowThroughStrategiesToBroker(t *testing.T) {
	h := newHarness(t, enabledConfig())
	s := h.register(t, "alpha", schema.ModeEnabled)
	s.intents = []schema.OrderIntent{limitBuy("", 3, "100")}
	ctx := context.Background()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	bar := schema.Bar{
		Symbol:    "SPY",
		Timeframe: time.Minute,
		Start:     time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(1000),
	}
	if !h.market.HandleBar(ctx, bar) {
		t.Fatal("bar not accepted")
	}
	waitFor(t, "order placement", func() bool { return len(h.gateway.placed()) == 1 })
	got := h.gateway.placed()[0]
	if got.intent.Strategy != "alpha" {
		t.Fatalf("intent not attributed to strategy: %+v", got.intent)
	}
	if got.clientID == "" {
		t.Fatal("expected a client order id")
	}
	if last, err := h.store.Get(ctx, statestore.KeyLastBarTime); err != nil || last == "" {
		t.Fatalf("last bar time not stored: %q %v", last, err)
	}
}

func TestCommandsArriveOverBus(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	enabled := false
	cmd := schema.NewCommand(schema.CommandTradingEnabled, time.Now())
	cmd.Enabled = &enabled
	if _, err := h.bus.Publish(ctx, cmd); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "trading gate off", func() bool { return !h.engine.TradingEnabled() })

	var hb schema.Heartbeat
	waitFor(t, "heartbeat", func() bool {
		return statestore.GetJSON(ctx, h.store, statestore.HeartbeatKey("engine-1"), &hb) == nil
	})
	if hb.EngineID != "engine-1" {
		t.Fatalf("unexpected heartbeat %+v", hb)
	}
}

func TestPauseAutoResumes(t *testing.T) {
	h := newHarness(t, enabledConfig())
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.pause(20 * time.Millisecond); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !h.engine.Paused() {
		t.Fatal("expected paused")
	}
	waitFor(t, "auto resume", func() bool { return !h.engine.Paused() })
}

func TestStalePauseDoesNotResume(t *testing.T) {
	h := newHarness(t, enabledConfig())
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.pause(20 * time.Millisecond); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.engine.pause(0); err != nil {
		t.Fatalf("indefinite pause: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if !h.engine.Paused() {
		t.Fatal("superseded auto resume must not clear an indefinite pause")
	}

	cmd := schema.NewCommand(schema.CommandResumeTrading, time.Now())
	cmd.ClearHalt = true
	h.risk.EmergencyHalt()
	if err := h.engine.HandleCommand(context.Background(), cmd); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if h.engine.Paused() {
		t.Fatal("expected resume to clear the pause")
	}
	if halted, _ := h.risk.Halted(); halted {
		t.Fatal("clear_halt must resume the risk manager")
	}
}

func TestAccountSnapshotFeedsDailyPnL(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.gateway.account = schema.Account{
		Equity:     decimal.NewFromInt(98500),
		LastEquity: decimal.NewFromInt(100000),
	}
	if err := h.engine.snapshotAccount(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if halted, reason := h.risk.Halted(); !halted {
		t.Fatalf("a 1500 loss must breach the default 1000 limit, reason %q", reason)
	}
	if got, _ := h.store.Get(context.Background(), statestore.KeyDailyPnL); got != "-1500.00" {
		t.Fatalf("unexpected stored pnl %q", got)
	}
}

func weeklyLimits(t *testing.T, h *harness) {
	t.Helper()
	daily := decimal.NewFromInt(5000)
	weekly := decimal.NewFromInt(2000)
	if _, err := h.risk.ApplyPatch(risk.LimitsPatch{DailyLossLimit: &daily, WeeklyLossLimit: &weekly}); err != nil {
		t.Fatalf("limits: %v", err)
	}
}

func TestWeeklyLossAcrossSessionsHaltsTrading(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	weeklyLimits(t, h)
	ctx := context.Background()
	now := time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)
	h.engine.clock = func() time.Time { return now }

	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(99000), LastEquity: decimal.NewFromInt(100000)}
	if err := h.engine.snapshotAccount(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if halted, _ := h.risk.Halted(); halted {
		t.Fatal("a 1000 weekly loss must stay under the 2000 limit")
	}

	now = now.Add(24 * time.Hour)
	h.risk.ResetDailyPnL()
	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(97900), LastEquity: decimal.NewFromInt(99000)}
	if err := h.engine.snapshotAccount(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	halted, reason := h.risk.Halted()
	if !halted || reason != "Weekly loss limit exceeded" {
		t.Fatalf("expected weekly halt with a 1100 daily loss, got %v %q", halted, reason)
	}
	if got, _ := h.store.Get(ctx, statestore.KeyWeeklyPnL); got != "-2100.00" {
		t.Fatalf("unexpected stored weekly pnl %q", got)
	}
	res, _ := h.engine.ProcessIntent(ctx, limitBuy("alpha", 1, "100"))
	if res.Outcome != telemetry.OutcomeRejected || len(h.gateway.placed()) != 0 {
		t.Fatalf("expected risk rejection while halted, got %+v", res)
	}
}

func TestWeekOpenEquitySurvivesRestart(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	now := time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)
	h.engine.clock = func() time.Time { return now }
	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(99500), LastEquity: decimal.NewFromInt(100000)}
	if err := h.engine.snapshotAccount(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	h.engine.mu.Lock()
	h.engine.weekOpen = weekOpen{}
	h.engine.mu.Unlock()
	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(99200), LastEquity: decimal.NewFromInt(99500)}
	weekly, ok := h.engine.weeklyPnL(ctx, h.gateway.account)
	if !ok || !weekly.Equal(decimal.NewFromInt(-800)) {
		t.Fatalf("expected -800 against the stored baseline, got %s %v", weekly, ok)
	}
}

func TestMondayOpenResetsWeekBaseline(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	now := time.Date(2024, 1, 5, 15, 0, 0, 0, time.UTC)
	h.engine.clock = func() time.Time { return now }
	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(98000), LastEquity: decimal.NewFromInt(100000)}
	if err := h.engine.snapshotAccount(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	now = time.Date(2024, 1, 8, 14, 31, 0, 0, time.UTC)
	if err := h.engine.checkMarketHours(ctx); err != nil {
		t.Fatalf("market hours: %v", err)
	}
	if _, err := h.store.Get(ctx, statestore.KeyWeekOpenEquity); err == nil {
		t.Fatal("expected stored baseline cleared at the Monday open")
	}
	h.gateway.account = schema.Account{Equity: decimal.NewFromInt(97500), LastEquity: decimal.NewFromInt(98000)}
	if err := h.engine.snapshotAccount(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := h.risk.Status().WeeklyPnL; !got.Equal(decimal.NewFromInt(-500)) {
		t.Fatalf("expected weekly pnl measured from Friday close, got %s", got)
	}
}

func TestReconcileSwapsSnapshot(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.gateway.positions = []schema.Position{
		{Symbol: "SPY", Quantity: decimal.NewFromInt(5), CurrentPrice: decimal.NewFromInt(400)},
		{Symbol: "QQQ", Quantity: decimal.Zero},
	}
	before := h.engine.Positions()
	if err := h.engine.reconcilePositions(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	after := h.engine.Positions()
	if len(before) != 0 || len(after) != 1 {
		t.Fatalf("unexpected snapshots %v -> %v", before, after)
	}
	pos, _ := h.journal.Snapshots()
	if pos != 1 {
		t.Fatalf("expected a journaled snapshot, got %d", pos)
	}
}

func TestReconcileExpiresPendingOrders(t *testing.T) {
	cfg := enabledConfig()
	cfg.PendingOrderTTL = 30 * time.Minute
	h := newHarness(t, cfg)
	h.register(t, "alpha", schema.ModeEnabled)
	ctx := context.Background()
	if res, err := h.engine.ProcessIntent(ctx, limitBuy("alpha", 1, "100")); err != nil || res.Outcome != telemetry.OutcomePlaced {
		t.Fatalf("place: %+v %v", res, err)
	}
	if h.engine.gw.Pending() != 1 {
		t.Fatalf("expected accepted order pending, got %d", h.engine.gw.Pending())
	}
	if err := h.engine.reconcilePositions(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.engine.gw.Pending() != 1 {
		t.Fatal("fresh order must survive reconciliation")
	}

	h.engine.cfg.PendingOrderTTL = time.Nanosecond
	time.Sleep(time.Millisecond)
	if err := h.engine.reconcilePositions(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.engine.gw.Pending() != 0 {
		t.Fatalf("expected stale order released, got %d", h.engine.gw.Pending())
	}
}

func TestConcurrentSameSymbolIntentsRespectRateLimit(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	perMinute := 1
	if _, err := h.risk.ApplyPatch(risk.LimitsPatch{MaxOrdersPerMinute: &perMinute}); err != nil {
		t.Fatalf("limits: %v", err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[string]int{}
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, _ := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 1, "100"))
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if outcomes[telemetry.OutcomePlaced] != 1 || outcomes[telemetry.OutcomeRejected] != callers-1 {
		t.Fatalf("expected exactly one placement, got %v", outcomes)
	}
	if n := len(h.gateway.placed()); n != 1 {
		t.Fatalf("broker saw %d orders, want 1", n)
	}
}

func TestDifferentSymbolsRouteConcurrently(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	release := make(chan struct{})
	h.gateway.mu.Lock()
	h.gateway.hold = map[string]chan struct{}{"SPY": release}
	h.gateway.entered = make(chan string, 1)
	h.gateway.mu.Unlock()
	ctx := context.Background()

	spyDone := make(chan RouteResult, 1)
	go func() {
		res, _ := h.engine.ProcessIntent(ctx, limitBuy("alpha", 1, "100"))
		spyDone <- res
	}()
	select {
	case <-h.gateway.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("SPY order never reached the broker")
	}

	qqq := limitBuy("alpha", 1, "100")
	qqq.Symbol = "QQQ"
	done := make(chan RouteResult, 1)
	go func() {
		res, _ := h.engine.ProcessIntent(ctx, qqq)
		done <- res
	}()
	select {
	case res := <-done:
		if res.Outcome != telemetry.OutcomePlaced {
			t.Fatalf("expected QQQ placed, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("QQQ blocked behind an in-flight SPY order")
	}

	close(release)
	if res := <-spyDone; res.Outcome != telemetry.OutcomePlaced {
		t.Fatalf("expected SPY placed, got %+v", res)
	}
}

func TestPlaceFailureIsReported(t *testing.T) {
	h := newHarness(t, enabledConfig())
	h.register(t, "alpha", schema.ModeEnabled)
	boom := errs.Connectivity("fake", errors.New("down"))
	h.gateway.placeErr = boom

	res, err := h.engine.ProcessIntent(context.Background(), limitBuy("alpha", 1, "100"))
	if !errs.Is(err, errs.CodeConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if res.Outcome != telemetry.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v", res)
	}
}

func TestAddStrategyWarmsUp(t *testing.T) {
	h := newHarness(t, enabledConfig())
	ctx := context.Background()
	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.market.HandleBar(ctx, schema.Bar{
			Symbol:    "SPY",
			Timeframe: time.Minute,
			Start:     start.Add(time.Duration(i) * time.Minute),
			Close:     decimal.NewFromInt(100),
		})
	}
	s := &scriptedStrategy{name: "late"}
	if err := h.engine.AddStrategy(ctx, s, schema.ModeShadow, []string{"SPY"}, time.Minute); err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.warmup != 3 {
		t.Fatalf("expected 3 warmup bars, got %d", s.warmup)
	}
	status := h.engine.StrategyStatus()
	if len(status) != 1 || status[0].Timeframe != "1m" {
		t.Fatalf("unexpected status %+v", status)
	}
	if err := h.engine.RemoveStrategy("late"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := h.engine.UpdateStrategyMode("late", schema.ModeEnabled); !errs.Is(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
