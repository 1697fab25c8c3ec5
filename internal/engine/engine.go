// Package engine runs the live trading loop: completed bars feed strategies, their intents
// pass the risk gate and the execution router, commands from the bus mutate engine state,
// and scheduled tasks keep positions, account and health in sync with the broker.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/bus/controlbus"
	"github.com/coachpo/livecore/internal/gateway"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/marketdata"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/scheduler"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
	"github.com/coachpo/livecore/internal/strategy"
	"github.com/coachpo/livecore/internal/telemetry"
	"github.com/coachpo/livecore/lib/async"
)

// Config holds engine tunables.
type Config struct {
	ID                    string
	TradingEnabled        bool
	CanaryMaxQty          decimal.Decimal
	MaxExposure           decimal.Decimal
	AllowedSymbols        []string
	IOTimeout             time.Duration
	ShutdownTimeout       time.Duration
	HeartbeatInterval     time.Duration
	ReconcileInterval     time.Duration
	PendingOrderTTL       time.Duration
	AccountInterval       time.Duration
	MarketHoursInterval   time.Duration
	StrategyTimerInterval time.Duration
	ShadowLogSize         int
	CanaryLogSize         int
	RouteWorkers          int
	RouteQueue            int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ID:                    "engine-1",
		CanaryMaxQty:          decimal.NewFromInt(10),
		IOTimeout:             10 * time.Second,
		ShutdownTimeout:       10 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		ReconcileInterval:     60 * time.Second,
		PendingOrderTTL:       time.Hour,
		AccountInterval:       60 * time.Second,
		MarketHoursInterval:   60 * time.Second,
		StrategyTimerInterval: 60 * time.Second,
		ShadowLogSize:         1000,
		CanaryLogSize:         1000,
		RouteWorkers:          8,
		RouteQueue:            256,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = def.ID
	}
	if !c.CanaryMaxQty.IsPositive() {
		c.CanaryMaxQty = def.CanaryMaxQty
	}
	durations := []struct {
		dst *time.Duration
		def time.Duration
	}{
		{&c.IOTimeout, def.IOTimeout},
		{&c.ShutdownTimeout, def.ShutdownTimeout},
		{&c.HeartbeatInterval, def.HeartbeatInterval},
		{&c.ReconcileInterval, def.ReconcileInterval},
		{&c.PendingOrderTTL, def.PendingOrderTTL},
		{&c.AccountInterval, def.AccountInterval},
		{&c.MarketHoursInterval, def.MarketHoursInterval},
		{&c.StrategyTimerInterval, def.StrategyTimerInterval},
	}
	for _, d := range durations {
		if *d.dst <= 0 {
			*d.dst = d.def
		}
	}
	if c.ShadowLogSize <= 0 {
		c.ShadowLogSize = def.ShadowLogSize
	}
	if c.CanaryLogSize <= 0 {
		c.CanaryLogSize = def.CanaryLogSize
	}
	if c.RouteWorkers <= 0 {
		c.RouteWorkers = def.RouteWorkers
	}
	if c.RouteQueue <= 0 {
		c.RouteQueue = def.RouteQueue
	}
	return c
}

// Deps are the collaborators the engine drives. Gateway, Risk, Strategies and Market are
// required; the rest default to in-memory or no-op implementations.
type Deps struct {
	Gateway    gateway.Gateway
	Risk       *risk.Manager
	Strategies *strategy.Registry
	Market     *marketdata.Handler
	Store      statestore.Store
	Bus        controlbus.Bus
	Journal    journal.Journal
	Notifier   notify.Notifier
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the engine instruments.
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithScheduler supplies the scheduler running the engine's periodic tasks.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sched = s
		}
	}
}

// Engine is the live trading core.
type Engine struct {
	cfg      Config
	gw       *gateway.Guard
	risk     *risk.Manager
	registry *strategy.Registry
	market   *marketdata.Handler
	store    statestore.Store
	bus      controlbus.Bus
	journal  journal.Journal
	notifier notify.Notifier
	sched    *scheduler.Scheduler
	symbols  *async.KeyedGuard
	routes   *async.Pool
	metrics  *telemetry.EngineMetrics
	logger   *zap.Logger
	clock    func() time.Time

	tradingEnabled atomic.Bool
	paused         atomic.Bool
	pauseGen       atomic.Uint64
	liveAuthorized atomic.Bool
	marketOpen     atomic.Bool
	running        atomic.Bool
	positions      atomic.Pointer[schema.Positions]

	mu             sync.RWMutex
	mode           string
	liveBy         string
	allowedSymbols map[string]struct{}
	canaryMaxQty   decimal.Decimal
	maxExposure    decimal.Decimal
	lastSignal     map[string]time.Time
	weekOpen       weekOpen
	cancelResume   func() bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	lifecycle conc.WaitGroup
	stopOnce  sync.Once
}

// New wires an engine. It does not touch the broker until Start.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	const op = "engine.New"
	if deps.Gateway == nil || deps.Risk == nil || deps.Strategies == nil || deps.Market == nil {
		return nil, errs.Invalid(op, "gateway, risk, strategies and market are required")
	}
	cfg = cfg.normalize()
	e := &Engine{
		cfg:          cfg,
		risk:         deps.Risk,
		registry:     deps.Strategies,
		market:       deps.Market,
		store:        deps.Store,
		bus:          deps.Bus,
		journal:      deps.Journal,
		notifier:     deps.Notifier,
		symbols:      async.NewKeyedGuard(),
		logger:       zap.NewNop(),
		clock:        time.Now,
		mode:         "initializing",
		canaryMaxQty: cfg.CanaryMaxQty,
		maxExposure:  cfg.MaxExposure,
		lastSignal:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = e.logger.Named("engine").With(zap.String("engine_id", cfg.ID))
	if e.store == nil {
		e.store = statestore.NewMemory(e.clock)
	}
	if e.journal == nil {
		e.journal = journal.Nop{}
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogNotifier(e.logger)
	}
	if e.sched == nil {
		e.sched = scheduler.New(
			scheduler.WithLogger(e.logger),
			scheduler.WithObserver(e.metrics.RecordTask))
	}
	e.allowedSymbols = symbolSet(cfg.AllowedSymbols)
	e.tradingEnabled.Store(cfg.TradingEnabled)
	empty := schema.Positions{}
	e.positions.Store(&empty)

	e.gw = gateway.NewGuard(deps.Gateway,
		gateway.WithMaxOrderValue(func() decimal.Decimal { return e.risk.Limits().MaxSingleOrderValue }),
		gateway.WithPrices(deps.Market),
		gateway.WithClock(e.clock),
		gateway.WithLogger(e.logger))

	routes, err := async.NewPool(cfg.RouteWorkers, cfg.RouteQueue, func(err error) {
		e.logger.Warn("intent routing failed", zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("engine route pool: %w", err)
	}
	e.routes = routes
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())
	return e, nil
}

// Start connects to the broker, loads the initial position and account state, registers the
// periodic tasks and starts consuming commands. Any failure here is fatal to the caller.
func (e *Engine) Start(ctx context.Context) error {
	const op = "engine.Start"
	if e.running.Load() {
		return errs.New(op, errs.CodeConflict, errs.WithMessage("engine already running"))
	}
	e.runCtx, e.cancelRun = context.WithCancel(ctx)

	if err := e.withIO(ctx, func(ioCtx context.Context) error { return e.gw.Connect(ioCtx) }); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := e.reconcilePositions(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	if err := e.snapshotAccount(ctx); err != nil {
		return fmt.Errorf("initial account snapshot: %w", err)
	}
	if err := e.checkMarketHours(ctx); err != nil {
		e.logger.Warn("initial market hours check failed", zap.Error(err))
	}
	e.publishLimits(ctx)

	e.market.OnBar(e.handleBar)
	if err := e.registerTasks(); err != nil {
		return err
	}
	e.sched.Start(e.runCtx)

	if e.bus != nil {
		commands, err := e.bus.Subscribe(e.runCtx)
		if err != nil {
			e.sched.Stop()
			return fmt.Errorf("subscribe commands: %w", err)
		}
		e.lifecycle.Go(func() { e.consumeCommands(e.runCtx, commands) })
	}

	e.running.Store(true)
	e.logger.Info("engine started",
		zap.Bool("trading_enabled", e.tradingEnabled.Load()),
		zap.Int("strategies", len(e.registry.Snapshot())),
		zap.Int("positions", len(e.Positions())))
	return nil
}

// Stop halts routing, cancels open orders if trading was enabled, and waits for in-flight
// work up to the shutdown timeout. Failures are logged, never returned as fatal.
func (e *Engine) Stop(ctx context.Context) error {
	var stopErr error
	e.stopOnce.Do(func() {
		e.running.Store(false)
		e.logger.Warn("engine shutting down")

		if e.tradingEnabled.Load() {
			cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
			n, err := e.gw.CancelAllOrders(cancelCtx)
			cancel()
			if err != nil {
				e.logger.Error("cancel orders during shutdown failed", zap.Error(err))
			} else {
				e.logger.Warn("cancelled open orders", zap.Int("count", n))
			}
		}

		e.sched.Stop()
		e.cancelRun()
		drainCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
		if err := e.routes.Shutdown(drainCtx); err != nil {
			stopErr = fmt.Errorf("drain routes: %w", err)
		}
		done := make(chan struct{})
		go func() {
			e.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-drainCtx.Done():
			stopErr = fmt.Errorf("wait for command consumer: %w", drainCtx.Err())
		}
		e.logger.Info("engine stopped")
	})
	return stopErr
}

// Running reports whether the engine accepts bars.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// TradingEnabled reports the global trading gate.
func (e *Engine) TradingEnabled() bool {
	return e.tradingEnabled.Load()
}

// SetTradingEnabled flips the global trading gate.
func (e *Engine) SetTradingEnabled(enabled bool, user string) {
	prev := e.tradingEnabled.Swap(enabled)
	if prev != enabled {
		e.logger.Warn("trading gate changed", zap.Bool("enabled", enabled), zap.String("user", user))
	}
}

// Paused reports whether routing is paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// LiveAuthorized reports whether live trading was confirmed by an operator.
func (e *Engine) LiveAuthorized() bool {
	return e.liveAuthorized.Load()
}

// Mode returns the system mode last pushed by the controller.
func (e *Engine) Mode() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Positions returns the current position snapshot. The map must not be modified.
func (e *Engine) Positions() schema.Positions {
	return *e.positions.Load()
}

// Heartbeat assembles the engine stats record.
func (e *Engine) Heartbeat() schema.Heartbeat {
	halted, _ := e.risk.Halted()
	return schema.Heartbeat{
		EngineID:         e.cfg.ID,
		Timestamp:        e.clock().UTC(),
		TradingEnabled:   e.tradingEnabled.Load(),
		Paused:           e.paused.Load(),
		PositionsCount:   len(e.Positions()),
		PendingOrders:    e.gw.Pending(),
		RiskHalted:       halted,
		StrategiesActive: e.registry.Active(),
		Mode:             e.Mode(),
		LiveAuthorized:   e.liveAuthorized.Load(),
		UnhealthyTasks:   e.sched.Unhealthy(),
	}
}

// TaskHealth reports the scheduler's view of every periodic task.
func (e *Engine) TaskHealth() []scheduler.TaskHealth {
	return e.sched.Health()
}

func (e *Engine) withIO(ctx context.Context, fn func(context.Context) error) error {
	ioCtx, cancel := context.WithTimeout(ctx, e.cfg.IOTimeout)
	defer cancel()
	return fn(ioCtx)
}

func (e *Engine) alert(ctx context.Context, severity notify.Severity, title, message string, meta map[string]string) {
	a := notify.NewAlert(severity, "engine:"+e.cfg.ID, title, message, e.clock())
	a.Metadata = meta
	if err := e.withIO(ctx, func(ioCtx context.Context) error { return e.notifier.Notify(ioCtx, a) }); err != nil {
		e.logger.Warn("alert delivery failed", zap.String("title", title), zap.Error(err))
	}
}

func symbolSet(symbols []string) map[string]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
