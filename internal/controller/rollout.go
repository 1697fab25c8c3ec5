package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/engine"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
)

const liveTradingSuffix = ":ENABLE_LIVE_TRADING"

// ConfirmationCode derives the date-scoped code an operator must supply to go live.
func ConfirmationCode(t time.Time) string {
	sum := sha256.Sum256([]byte(t.UTC().Format("2006-01-02") + liveTradingSuffix))
	return hex.EncodeToString(sum[:])[:8]
}

// BeginTesting moves a fresh controller into the testing phase.
func (c *Controller) BeginTesting(ctx context.Context) error {
	c.mu.Lock()
	if !canAdvance(c.state, StateTesting) {
		err := c.illegal("controller.BeginTesting", "begin testing")
		c.mu.Unlock()
		return err
	}
	prev := c.transitionLocked(ctx, StateTesting)
	c.mu.Unlock()
	c.recordAudit(ctx, "begin_testing", prev, StateTesting, nil)
	return nil
}

// ensureAdvance is the cheap state check made before running a pre-flight. The state is
// checked again under the lock before transitioning.
func (c *Controller) ensureAdvance(op string, to State, want string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if canAdvance(c.state, to) {
		return nil
	}
	return c.illegal(op, want)
}

func (c *Controller) requirePreflight(ctx context.Context, op string) error {
	res, err := c.Preflight(ctx)
	if err != nil {
		return err
	}
	if !res.Passed {
		return errs.New(op, errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("pre-flight failed: %v", res.Failures)),
			errs.WithCause(ErrPreflightFailed),
			errs.WithRemediation("resolve the failed checklist items and retry"))
	}
	return nil
}

// StartShadow enters shadow mode after a passing pre-flight check. Strategies run and every
// approved intent is logged without reaching the broker.
func (c *Controller) StartShadow(ctx context.Context) error {
	const op = "controller.StartShadow"
	if err := c.ensureAdvance(op, StateShadow, "start shadow mode"); err != nil {
		return err
	}
	if err := c.requirePreflight(ctx, op); err != nil {
		return err
	}
	if err := c.resetPhase(ctx, op, statestore.KeyShadowStats, statestore.KeyShadowIntents); err != nil {
		return err
	}

	c.mu.Lock()
	if !canAdvance(c.state, StateShadow) {
		err := c.illegal(op, "start shadow mode")
		c.mu.Unlock()
		return err
	}
	c.shadowStartedAt = c.clock().UTC()
	prev := c.transitionLocked(ctx, StateShadow)
	c.mu.Unlock()

	cmd := c.command(schema.CommandSetMode)
	cmd.Mode = string(StateShadow)
	if err := c.publish(ctx, cmd); err != nil {
		return err
	}
	enable := c.command(schema.CommandTradingEnabled)
	on := true
	enable.Enabled = &on
	if err := c.publish(ctx, enable); err != nil {
		return err
	}
	c.recordAudit(ctx, "start_shadow_mode", prev, StateShadow, nil)
	return nil
}

// resetPhase clears the statistics and signal log a phase is judged by, so figures left by an
// earlier run can never satisfy the next gate.
func (c *Controller) resetPhase(ctx context.Context, op string, keys ...string) error {
	if err := c.store.Delete(ctx, keys...); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("reset phase statistics"),
			errs.WithCause(err))
	}
	return nil
}

func precondition(op, msg string) error {
	return errs.New(op, errs.CodeConflict, errs.WithMessage(msg), errs.WithCause(ErrPrecondition))
}

// canaryConfig is the conservative limit set pushed when canary mode starts.
func (c *Controller) canaryConfig(initial int) engine.ConfigPatch {
	size := decimal.NewFromInt(int64(initial))
	trades := c.cfg.CanaryDailyTrades
	symbols := append([]string(nil), c.cfg.CanarySymbols...)
	exposure := size.Mul(c.cfg.ExposurePerUnit)
	var cfg engine.ConfigPatch
	cfg.CanaryMaxQty = &size
	cfg.MaxPositionSize = &size
	cfg.MaxDailyTrades = &trades
	cfg.AllowedSymbols = &symbols
	cfg.MaxExposure = &exposure
	return cfg
}

// StartCanary enters canary mode once the current shadow run has lasted the minimum duration.
func (c *Controller) StartCanary(ctx context.Context, initial int) error {
	const op = "controller.StartCanary"
	if initial <= 0 {
		return errs.Invalid(op, "initial size must be positive")
	}
	if err := c.ensureAdvance(op, StateCanary, "start canary mode"); err != nil {
		return err
	}
	var stats ShadowStats
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyShadowStats, &stats); err != nil {
		return precondition(op, "shadow statistics unavailable")
	}
	if err := c.shadowGate(op, stats, c.phaseOf().shadowStarted); err != nil {
		return err
	}
	if err := c.resetPhase(ctx, op, statestore.KeyCanaryStats, statestore.KeyCanaryTrades); err != nil {
		return err
	}
	cfg := c.canaryConfig(initial)
	cmd, err := c.command(schema.CommandSetMode).WithConfig(cfg)
	if err != nil {
		return err
	}
	cmd.Mode = string(StateCanary)

	c.mu.Lock()
	prev, err := c.enterCanaryLocked(ctx, op, stats)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := statestore.SetJSON(ctx, c.store, statestore.KeyCanaryConfig, cfg, 0); err != nil {
		c.logger.Warn("store canary config failed", zap.Error(err))
	}
	if err := c.publish(ctx, cmd); err != nil {
		return err
	}
	c.recordAudit(ctx, "start_canary_mode", prev, StateCanary, map[string]string{
		"initial_size": strconv.Itoa(initial),
	})
	return nil
}

// shadowGate accepts statistics only from the shadow run that started at started.
func (c *Controller) shadowGate(op string, stats ShadowStats, started time.Time) error {
	if !stats.StartedAt.Equal(started) {
		return precondition(op, "shadow statistics belong to an earlier shadow run")
	}
	need := c.cfg.MinShadowDuration.Hours()
	if stats.DurationHours < need {
		return precondition(op, fmt.Sprintf("shadow mode ran %.1fh, need %.0fh", stats.DurationHours, need))
	}
	return nil
}

func (c *Controller) enterCanaryLocked(ctx context.Context, op string, stats ShadowStats) (State, error) {
	if !canAdvance(c.state, StateCanary) {
		return "", c.illegal(op, "start canary mode")
	}
	if err := c.shadowGate(op, stats, c.shadowStartedAt); err != nil {
		return "", err
	}
	c.canaryStartedAt = c.clock().UTC()
	return c.transitionLocked(ctx, StateCanary), nil
}

// RampDay is one scheduled step of a ramp-up.
type RampDay struct {
	Day      int      `json:"day"`
	Size     int      `json:"position_size"`
	Trades   int      `json:"max_daily_trades"`
	Symbols  []string `json:"allowed_symbols"`
	Exposure int      `json:"max_exposure"`
}

// Patch converts the step into the config update the engine applies.
func (d RampDay) Patch() engine.ConfigPatch {
	size := decimal.NewFromInt(int64(d.Size))
	exposure := decimal.NewFromInt(int64(d.Exposure))
	trades := d.Trades
	symbols := append([]string(nil), d.Symbols...)
	var p engine.ConfigPatch
	p.CanaryMaxQty = &size
	p.MaxPositionSize = &size
	p.MaxDailyTrades = &trades
	p.AllowedSymbols = &symbols
	p.MaxExposure = &exposure
	return p
}

var rampSymbolTiers = []struct {
	from    int
	symbols []string
}{
	{0, []string{"SPY", "QQQ"}},
	{3, []string{"AAPL", "MSFT"}},
	{5, []string{"GOOGL", "AMZN"}},
	{7, []string{"TSLA", "NVDA"}},
}

// RampSchedule grows the position size linearly from 1 to target over days, widening the
// symbol universe and trade count as it goes.
func RampSchedule(target, days int) []RampDay {
	if target < 1 || days < 1 {
		return nil
	}
	inc := float64(target-1) / float64(days)
	out := make([]RampDay, 0, days)
	for d := 0; d < days; d++ {
		size := int(1 + float64(d+1)*inc)
		var symbols []string
		for _, tier := range rampSymbolTiers {
			if d >= tier.from {
				symbols = append(symbols, tier.symbols...)
			}
		}
		out = append(out, RampDay{
			Day:      d,
			Size:     size,
			Trades:   min(10, 3+d),
			Symbols:  symbols,
			Exposure: size * 100 * (d + 1),
		})
	}
	return out
}

// RampStats tracks ramp progress; Completed gates live trading.
type RampStats struct {
	Target     int       `json:"target_size"`
	Days       int       `json:"days"`
	CurrentDay int       `json:"current_day"`
	Size       int       `json:"current_size"`
	StartedAt  time.Time `json:"started_at"`
	Completed  bool      `json:"completed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GradualRampUp schedules one config update per day and enters the ramping phase. It refuses
// without side effects unless the current canary run meets the configured success rate.
func (c *Controller) GradualRampUp(ctx context.Context, target, days int) error {
	const op = "controller.GradualRampUp"
	if target < 1 || days < 1 {
		return errs.Invalid(op, "target size and days must be positive")
	}
	if err := c.ensureAdvance(op, StateRamping, "ramp up"); err != nil {
		return err
	}
	var stats CanaryStats
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyCanaryStats, &stats); err != nil {
		return precondition(op, "canary statistics unavailable")
	}
	schedule := RampSchedule(target, days)

	c.mu.Lock()
	prev, err := c.armRampLocked(ctx, op, stats, schedule, target, days)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, day := range schedule {
		if err := statestore.SetJSON(ctx, c.store, statestore.RampDayKey(day.Day), day, 0); err != nil {
			c.logger.Warn("store ramp day failed", zap.Int("day", day.Day), zap.Error(err))
		}
	}
	c.recordAudit(ctx, "gradual_ramp_up", prev, StateRamping, map[string]string{
		"target_size": strconv.Itoa(target),
		"days":        strconv.Itoa(days),
	})
	return nil
}

func (c *Controller) armRampLocked(ctx context.Context, op string, stats CanaryStats, schedule []RampDay, target, days int) (State, error) {
	if !canAdvance(c.state, StateRamping) {
		return "", c.illegal(op, "ramp up")
	}
	if !stats.StartedAt.Equal(c.canaryStartedAt) {
		return "", precondition(op, "canary statistics belong to an earlier canary run")
	}
	if stats.SuccessRate < c.cfg.MinCanarySuccess {
		return "", precondition(op, fmt.Sprintf("canary success rate %.2f below %.2f", stats.SuccessRate, c.cfg.MinCanarySuccess))
	}

	c.cancelRampLocked()
	gen := c.rampGen
	started := c.clock().UTC()
	cancels := make([]func() bool, 0, len(schedule)+1)
	abort := func(err error) (State, error) {
		for _, cancel := range cancels {
			cancel()
		}
		c.rampGen++
		return "", errs.New(op, errs.CodeUnavailable, errs.WithMessage("schedule ramp update"), errs.WithCause(err))
	}
	for _, day := range schedule {
		cancel, err := c.sched.After(fmt.Sprintf("ramp_day_%d", day.Day), time.Duration(day.Day)*24*time.Hour,
			c.rampTimer(gen, c.rampStep(day, target, days, started)))
		if err != nil {
			return abort(err)
		}
		cancels = append(cancels, cancel)
	}
	done, err := c.sched.After("ramp_complete", time.Duration(days)*24*time.Hour, c.rampTimer(gen, func(ctx context.Context) {
		c.writeRampStats(ctx, RampStats{
			Target: target, Days: days, CurrentDay: days, Size: target,
			StartedAt: started, Completed: true, UpdatedAt: c.clock().UTC(),
		})
		c.logger.Info("ramp-up complete", zap.Int("target_size", target))
	}))
	if err != nil {
		return abort(err)
	}
	c.rampCancels = append(cancels, done)

	// Timers cannot observe the ramp until c.mu is released, so this write precedes day zero.
	storeCtx, cancel := c.storeCtx(ctx)
	defer cancel()
	c.writeRampStats(storeCtx, RampStats{Target: target, Days: days, StartedAt: started, UpdatedAt: started})
	return c.transitionLocked(ctx, StateRamping), nil
}

func (c *Controller) rampStep(day RampDay, target, days int, started time.Time) func(context.Context) {
	return func(ctx context.Context) {
		cmd, err := c.command(schema.CommandConfigUpdate).WithConfig(day.Patch())
		if err != nil {
			c.logger.Error("encode ramp update failed", zap.Error(err))
			return
		}
		if err := c.publish(ctx, cmd); err != nil {
			c.logger.Error("publish ramp update failed", zap.Int("day", day.Day), zap.Error(err))
			return
		}
		c.writeRampStats(ctx, RampStats{
			Target: target, Days: days, CurrentDay: day.Day + 1, Size: day.Size,
			StartedAt: started, UpdatedAt: c.clock().UTC(),
		})
		c.logger.Info("ramp step applied", zap.Int("day", day.Day), zap.Int("size", day.Size))
	}
}

// rampTimer runs step only while the ramp armed at gen is in force. Pausing keeps the ramp in
// force: a step falling due while paused is held and replayed when the ramp resumes.
func (c *Controller) rampTimer(gen uint64, step func(context.Context)) func(context.Context) {
	var run func(context.Context)
	run = func(ctx context.Context) {
		c.mu.Lock()
		if c.rampGen != gen {
			c.mu.Unlock()
			return
		}
		switch {
		case c.state == StateRamping:
		case c.state == StatePaused && c.pausedFrom == StateRamping:
			c.rampDeferred = append(c.rampDeferred, run)
			c.mu.Unlock()
			c.logger.Info("ramp step held while paused")
			return
		default:
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		step(ctx)
	}
	return run
}

// takeDeferredLocked hands back the ramp steps held during a pause.
func (c *Controller) takeDeferredLocked() []func(context.Context) {
	out := c.rampDeferred
	c.rampDeferred = nil
	return out
}

func (c *Controller) writeRampStats(ctx context.Context, stats RampStats) {
	if err := statestore.SetJSON(ctx, c.store, statestore.KeyRampStats, stats, 0); err != nil {
		c.logger.Warn("store ramp statistics failed", zap.Error(err))
	}
}

// cancelRampLocked retires the current ramp. Timers that already fired see a newer rampGen.
func (c *Controller) cancelRampLocked() {
	for _, cancel := range c.rampCancels {
		cancel()
	}
	c.rampCancels = nil
	c.rampDeferred = nil
	c.rampGen++
}

// EnableLiveTrading authorises full-size trading. The code must match today's confirmation
// code; a mismatch changes nothing and may be retried.
func (c *Controller) EnableLiveTrading(ctx context.Context, code, actor string) error {
	const op = "controller.EnableLiveTrading"
	if code != ConfirmationCode(c.clock()) {
		c.logger.Error("invalid live trading confirmation code")
		return errs.New(op, errs.CodeUnauthorized,
			errs.WithMessage("confirmation code does not match"),
			errs.WithCause(ErrBadConfirmation))
	}
	if err := c.ensureAdvance(op, StateLive, "enable live trading"); err != nil {
		return err
	}
	if err := c.requirePreflight(ctx, op); err != nil {
		return err
	}
	var ramp RampStats
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyRampStats, &ramp); err != nil || !ramp.Completed {
		return errs.New(op, errs.CodeConflict,
			errs.WithMessage("ramp-up has not completed"),
			errs.WithCause(ErrPrecondition))
	}
	if actor == "" {
		actor = c.cfg.Actor
	}

	c.mu.Lock()
	if !canAdvance(c.state, StateLive) {
		err := c.illegal(op, "enable live trading")
		c.mu.Unlock()
		return err
	}
	prev := c.transitionLocked(ctx, StateLive)
	c.mu.Unlock()

	cmd := c.command(schema.CommandEnableLiveTrading)
	cmd.ConfirmedBy = actor
	if err := c.publish(ctx, cmd); err != nil {
		return err
	}
	c.recordAudit(ctx, "enable_live_trading", prev, StateLive, map[string]string{"confirmed_by": actor})
	c.notifyContacts(ctx, notify.SeverityWarning, "Live trading enabled",
		fmt.Sprintf("Live trading enabled by %s", actor), map[string]string{"confirmed_by": actor})
	return nil
}
