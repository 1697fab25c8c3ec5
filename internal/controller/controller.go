// Package controller implements the production rollout state machine: pre-flight checks,
// shadow, canary, ramp-up and live phases, plus emergency stop and pause from any phase.
// The controller never touches the broker; it steers the engine through the command bus.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/bus/controlbus"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/scheduler"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
	"github.com/coachpo/livecore/internal/telemetry"
)

// Config holds controller thresholds and monitor cadences.
type Config struct {
	Actor              string
	MinCapital         decimal.Decimal
	MaxBarAge          time.Duration
	MinShadowDuration  time.Duration
	MinCanarySuccess   float64
	CanaryWarnRate     float64
	CanaryDailyTrades  int
	CanarySymbols      []string
	ExposurePerUnit    decimal.Decimal
	CatastrophicLoss   decimal.Decimal
	ShadowInterval     time.Duration
	CanaryInterval     time.Duration
	ProductionInterval time.Duration
	PublishTries       uint
	AuditTail          int
	// StoreTimeout bounds state store calls made while the controller lock is held.
	StoreTimeout time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Actor:              "controller",
		MinCapital:         decimal.NewFromInt(25000),
		MaxBarAge:          time.Minute,
		MinShadowDuration:  24 * time.Hour,
		MinCanarySuccess:   0.8,
		CanaryWarnRate:     0.5,
		CanaryDailyTrades:  3,
		CanarySymbols:      []string{"SPY"},
		ExposurePerUnit:    decimal.NewFromInt(100),
		CatastrophicLoss:   decimal.NewFromInt(-1000),
		ShadowInterval:     60 * time.Second,
		CanaryInterval:     30 * time.Second,
		ProductionInterval: 10 * time.Second,
		PublishTries:       3,
		AuditTail:          100,
		StoreTimeout:       2 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Actor == "" {
		c.Actor = def.Actor
	}
	if c.MinCapital.IsZero() {
		c.MinCapital = def.MinCapital
	}
	if c.MaxBarAge <= 0 {
		c.MaxBarAge = def.MaxBarAge
	}
	if c.MinShadowDuration <= 0 {
		c.MinShadowDuration = def.MinShadowDuration
	}
	if c.MinCanarySuccess <= 0 {
		c.MinCanarySuccess = def.MinCanarySuccess
	}
	if c.CanaryWarnRate <= 0 {
		c.CanaryWarnRate = def.CanaryWarnRate
	}
	if c.CanaryDailyTrades <= 0 {
		c.CanaryDailyTrades = def.CanaryDailyTrades
	}
	if len(c.CanarySymbols) == 0 {
		c.CanarySymbols = def.CanarySymbols
	}
	if !c.ExposurePerUnit.IsPositive() {
		c.ExposurePerUnit = def.ExposurePerUnit
	}
	if !c.CatastrophicLoss.IsNegative() {
		c.CatastrophicLoss = def.CatastrophicLoss
	}
	if c.ShadowInterval <= 0 {
		c.ShadowInterval = def.ShadowInterval
	}
	if c.CanaryInterval <= 0 {
		c.CanaryInterval = def.CanaryInterval
	}
	if c.ProductionInterval <= 0 {
		c.ProductionInterval = def.ProductionInterval
	}
	if c.PublishTries == 0 {
		c.PublishTries = def.PublishTries
	}
	if c.AuditTail <= 0 {
		c.AuditTail = def.AuditTail
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	return c
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithJournal records audit entries and pre-flight results.
func WithJournal(j journal.Journal) Option {
	return func(c *Controller) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithNotifier sets the emergency contact channel.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithScheduler supplies the scheduler running ramp updates and auto-resume.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.sched = s
		}
	}
}

// WithMetrics sets the controller instruments.
func WithMetrics(m *telemetry.ControllerMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller is the single writer of the rollout state.
type Controller struct {
	cfg      Config
	store    statestore.Store
	bus      controlbus.Bus
	journal  journal.Journal
	notifier notify.Notifier
	sched    *scheduler.Scheduler
	metrics  *telemetry.ControllerMetrics
	logger   *zap.Logger
	clock    func() time.Time

	mu              sync.Mutex
	state           State
	since           time.Time
	pausedFrom      State
	shadowStartedAt time.Time
	canaryStartedAt time.Time
	generation      uint64
	stopMonitor     context.CancelFunc
	cancelResume    func() bool
	rampGen         uint64
	rampCancels     []func() bool
	rampDeferred    []func(context.Context)
	checklist       Checklist
	lastPreflight   time.Time
	audit           []journal.Audit

	runCtx   context.Context
	cancel   context.CancelFunc
	monitors conc.WaitGroup
}

// New builds a controller in the initializing state.
func New(cfg Config, store statestore.Store, bus controlbus.Bus, opts ...Option) (*Controller, error) {
	if store == nil || bus == nil {
		return nil, errs.Invalid("controller.New", "store and bus are required")
	}
	c := &Controller{
		cfg:     cfg.normalize(),
		store:   store,
		bus:     bus,
		journal: journal.Nop{},
		logger:  zap.NewNop(),
		clock:   time.Now,
		state:   StateInitializing,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.Named("controller")
	if c.notifier == nil {
		c.notifier = notify.NewLogNotifier(c.logger)
	}
	if c.sched == nil {
		c.sched = scheduler.New(scheduler.WithLogger(c.logger))
	}
	c.since = c.clock().UTC()
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start starts the scheduler that runs delayed ramp updates and auto-resume.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.sched.Start(c.runCtx)
}

// Close stops monitors and delayed work and waits for monitors to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopMonitorLocked()
	c.mu.Unlock()
	c.cancel()
	c.sched.Stop()
	c.monitors.Wait()
}

// Restore loads the persisted state, if any, and re-arms the monitor for it.
func (c *Controller) Restore(ctx context.Context) error {
	var snap snapshot
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyControllerState, &snap); err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore controller state: %w", err)
	}
	if _, err := ParseState(string(snap.State)); err != nil {
		return fmt.Errorf("restore controller state: %w", err)
	}
	c.mu.Lock()
	c.state = snap.State
	c.since = snap.Since
	c.pausedFrom = snap.PausedFrom
	c.shadowStartedAt = snap.ShadowStartedAt
	c.canaryStartedAt = snap.CanaryStartedAt
	c.generation++
	c.startMonitorLocked(snap.State)
	c.mu.Unlock()
	c.logger.Info("controller state restored", zap.String("state", string(snap.State)))
	return nil
}

// State returns the current rollout phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is the operator view of the controller.
type Status struct {
	State         State           `json:"state"`
	Since         time.Time       `json:"since"`
	PausedFrom    State           `json:"paused_from,omitempty"`
	Checklist     Checklist       `json:"checklist"`
	LastPreflight time.Time       `json:"last_preflight,omitempty"`
	Audit         []journal.Audit `json:"audit"`
}

// Status reports the state, last checklist and the most recent audit entries.
func (c *Controller) Status(tail int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	audit := c.audit
	if tail > 0 && len(audit) > tail {
		audit = audit[len(audit)-tail:]
	}
	return Status{
		State:         c.state,
		Since:         c.since,
		PausedFrom:    c.pausedFrom,
		Checklist:     c.checklist,
		LastPreflight: c.lastPreflight,
		Audit:         append([]journal.Audit(nil), audit...),
	}
}

// transitionLocked moves to next, stops the previous phase's monitor and starts the new one.
// Callers hold c.mu.
func (c *Controller) transitionLocked(ctx context.Context, next State) State {
	prev := c.state
	c.state = next
	c.since = c.clock().UTC()
	c.generation++
	c.stopMonitorLocked()
	if prev == StatePaused && c.cancelResume != nil {
		c.cancelResume()
		c.cancelResume = nil
	}
	c.startMonitorLocked(next)
	c.metrics.RecordTransition(ctx, string(prev), string(next))
	c.logger.Warn("state transition", zap.String("from", string(prev)), zap.String("state", string(next)))

	snap := snapshot{
		State:           next,
		Since:           c.since,
		PausedFrom:      c.pausedFrom,
		ShadowStartedAt: c.shadowStartedAt,
		CanaryStartedAt: c.canaryStartedAt,
	}
	storeCtx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := statestore.SetJSON(storeCtx, c.store, statestore.KeyControllerState, snap, 0); err != nil {
		c.logger.Warn("persist controller state failed", zap.Error(err))
	}
	return prev
}

// storeCtx bounds a state store call made under c.mu so a slow store cannot stall readers of
// the state for longer than StoreTimeout.
func (c *Controller) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
}

func (c *Controller) illegal(op string, want string) error {
	return errs.New(op, errs.CodeConflict,
		errs.WithMessage(fmt.Sprintf("cannot %s from state %s", want, c.state)),
		errs.WithCause(ErrIllegalTransition))
}

// publish sends cmd on the bus, retrying transient failures.
func (c *Controller) publish(ctx context.Context, cmd schema.Command) error {
	if cmd.User == "" {
		cmd.User = c.cfg.Actor
	}
	attempt := func() (int, error) {
		n, err := c.bus.Publish(ctx, cmd)
		if err != nil && !errs.Transient(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	n, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(bo), backoff.WithMaxTries(c.cfg.PublishTries))
	if err != nil {
		return fmt.Errorf("publish %s: %w", cmd.Type, err)
	}
	c.logger.Info("command published", zap.String("command", string(cmd.Type)), zap.Int("receivers", n))
	return nil
}

func (c *Controller) command(kind schema.CommandType) schema.Command {
	return schema.NewCommand(kind, c.clock())
}

// recordAudit appends an audit entry to memory, the audit list in the store and the journal.
func (c *Controller) recordAudit(ctx context.Context, action string, from, to State, details map[string]string) {
	entry := journal.Audit{
		RecordedAt: c.clock().UTC(),
		Action:     action,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      c.cfg.Actor,
		Details:    details,
	}
	c.mu.Lock()
	c.audit = append(c.audit, entry)
	if len(c.audit) > c.cfg.AuditTail {
		c.audit = c.audit[len(c.audit)-c.cfg.AuditTail:]
	}
	c.mu.Unlock()

	if err := statestore.PushJSON(ctx, c.store, statestore.KeyAuditLog, entry, 1000); err != nil {
		c.logger.Warn("store audit entry failed", zap.Error(err))
	}
	if err := c.journal.RecordAudit(ctx, entry); err != nil {
		c.logger.Warn("journal audit entry failed", zap.Error(err))
	}
}

func (c *Controller) notifyContacts(ctx context.Context, severity notify.Severity, title, message string, meta map[string]string) {
	alert := notify.NewAlert(severity, "controller", title, message, c.clock())
	alert.Metadata = meta
	if err := c.notifier.Notify(ctx, alert); err != nil {
		c.logger.Error("notify emergency contacts failed", zap.String("title", title), zap.Error(err))
	}
}
