package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
	"github.com/coachpo/livecore/internal/strategy"
)

// ConfigPatch is the payload of config_update and the optional config of set_mode. Risk
// limit fields merge into the live limits; the engine fields replace their current values.
type ConfigPatch struct {
	risk.LimitsPatch
	AllowedSymbols *[]string        `json:"allowed_symbols,omitempty"`
	CanaryMaxQty   *decimal.Decimal `json:"canary_max_qty,omitempty"`
	MaxExposure    *decimal.Decimal `json:"max_exposure,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.LimitsPatch.Empty() && p.AllowedSymbols == nil && p.CanaryMaxQty == nil && p.MaxExposure == nil
}

func (p ConfigPatch) validate() error {
	if p.CanaryMaxQty != nil && !p.CanaryMaxQty.IsPositive() {
		return fmt.Errorf("canary_max_qty must be positive")
	}
	if p.MaxExposure != nil && p.MaxExposure.IsNegative() {
		return fmt.Errorf("max_exposure must not be negative")
	}
	return nil
}

// Result labels recorded per command.
const (
	commandApplied = "applied"
	commandIgnored = "ignored"
	commandFailed  = "failed"
)

// modes that set_mode accepts beyond the strategy modes.
const (
	systemModeLive          = "live"
	systemModeEmergencyStop = "emergency_stop"
)

func (e *Engine) consumeCommands(ctx context.Context, commands <-chan schema.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				e.logger.Warn("command channel closed")
				return
			}
			if err := e.HandleCommand(ctx, cmd); err != nil {
				e.logger.Error("command failed",
					zap.String("command", string(cmd.Type)),
					zap.String("message_id", cmd.MessageID),
					zap.Error(err))
			}
		}
	}
}

// HandleCommand applies one command. Unknown commands and unknown strategies are logged and
// ignored; errors report commands that were understood but could not be applied.
func (e *Engine) HandleCommand(ctx context.Context, cmd schema.Command) error {
	e.logger.Info("command received",
		zap.String("command", string(cmd.Type)),
		zap.String("message_id", cmd.MessageID),
		zap.String("user", cmd.User))

	applied, err := e.dispatchCommand(ctx, cmd)
	result := commandApplied
	switch {
	case err != nil:
		result = commandFailed
	case !applied:
		result = commandIgnored
	}
	e.metrics.RecordCommand(ctx, string(cmd.Type), result)
	return err
}

func (e *Engine) dispatchCommand(ctx context.Context, cmd schema.Command) (bool, error) {
	const op = "engine.HandleCommand"
	switch cmd.Type {
	case schema.CommandFlattenAll, schema.CommandFlattenAllPositions:
		return true, e.flattenAll(ctx, cmd.User)

	case schema.CommandTradingEnabled:
		if cmd.Enabled == nil {
			return false, errs.Invalid(op, "trading_enabled requires enabled")
		}
		e.SetTradingEnabled(*cmd.Enabled, cmd.User)
		return true, nil

	case schema.CommandStrategyUpdate:
		mode, err := schema.ParseStrategyMode(strings.TrimSpace(cmd.Status))
		if err != nil {
			return false, errs.Invalid(op, err.Error())
		}
		if err := e.UpdateStrategyMode(cmd.Strategy, mode); err != nil {
			if errs.Is(err, errs.CodeNotFound) {
				e.logger.Warn("strategy update ignored", zap.String("strategy", cmd.Strategy), zap.Error(err))
				return false, nil
			}
			return false, err
		}
		return true, nil

	case schema.CommandConfigUpdate, schema.CommandUpdateConfig:
		var patch ConfigPatch
		if err := cmd.DecodeConfig(&patch); err != nil {
			return false, errs.Invalid(op, err.Error())
		}
		return true, e.ApplyConfig(ctx, patch)

	case schema.CommandSetMode:
		return true, e.setMode(ctx, cmd)

	case schema.CommandEmergencyStop:
		e.emergencyStop(ctx, cmd)
		return true, nil

	case schema.CommandEnableLiveTrading:
		e.enableLive(ctx, cmd.ConfirmedBy)
		return true, nil

	case schema.CommandCancelAllOrders:
		return true, e.cancelAll(ctx)

	case schema.CommandPauseTrading:
		return true, e.pause(time.Duration(cmd.DurationMinutes) * time.Minute)

	case schema.CommandResumeTrading:
		e.resume(cmd.ClearHalt, cmd.User)
		return true, nil

	default:
		e.logger.Warn("unknown command ignored", zap.String("command", string(cmd.Type)))
		return false, nil
	}
}

// ApplyConfig merges patch into the live limits and engine settings. Nothing changes unless
// every field is valid.
func (e *Engine) ApplyConfig(ctx context.Context, patch ConfigPatch) error {
	const op = "engine.ApplyConfig"
	if patch.Empty() {
		return nil
	}
	if err := patch.validate(); err != nil {
		return errs.Invalid(op, err.Error())
	}
	if !patch.LimitsPatch.Empty() {
		if _, err := e.risk.ApplyPatch(patch.LimitsPatch); err != nil {
			return errs.Invalid(op, err.Error())
		}
	}
	e.mu.Lock()
	if patch.AllowedSymbols != nil {
		e.allowedSymbols = symbolSet(*patch.AllowedSymbols)
	}
	if patch.CanaryMaxQty != nil {
		e.canaryMaxQty = *patch.CanaryMaxQty
	}
	if patch.MaxExposure != nil {
		e.maxExposure = *patch.MaxExposure
	}
	e.mu.Unlock()
	e.logger.Warn("configuration updated",
		zap.Bool("limits", !patch.LimitsPatch.Empty()),
		zap.Bool("symbols", patch.AllowedSymbols != nil),
		zap.Bool("canary_cap", patch.CanaryMaxQty != nil),
		zap.Bool("exposure", patch.MaxExposure != nil))
	e.publishLimits(ctx)
	return nil
}

// setMode pushes one mode onto every registered strategy. Disabled applies to all entries;
// other modes skip strategies an operator disabled.
func (e *Engine) setMode(ctx context.Context, cmd schema.Command) error {
	const op = "engine.setMode"
	raw := strings.ToLower(strings.TrimSpace(cmd.Mode))
	var mode schema.StrategyMode
	switch raw {
	case systemModeLive, string(schema.ModeEnabled):
		mode = schema.ModeEnabled
	default:
		parsed, err := schema.ParseStrategyMode(raw)
		if err != nil {
			return errs.Invalid(op, err.Error())
		}
		mode = parsed
	}
	if len(cmd.Config) > 0 {
		var patch ConfigPatch
		if err := cmd.DecodeConfig(&patch); err != nil {
			return errs.Invalid(op, err.Error())
		}
		if err := e.ApplyConfig(ctx, patch); err != nil {
			return err
		}
	}
	include := func(entry strategy.Entry) bool { return entry.Mode != schema.ModeDisabled }
	if mode == schema.ModeDisabled {
		include = nil
	}
	changed, err := e.registry.SetModes(mode, include)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	e.mu.Lock()
	e.mode = raw
	e.mu.Unlock()
	e.storeStatus(ctx, statestore.KeySystemMode, raw)
	e.logger.Warn("system mode pushed",
		zap.String("mode", raw),
		zap.Strings("strategies", changed))
	return nil
}

func (e *Engine) emergencyStop(ctx context.Context, cmd schema.Command) {
	e.tradingEnabled.Store(false)
	e.risk.EmergencyHalt()
	e.mu.Lock()
	e.mode = systemModeEmergencyStop
	e.mu.Unlock()
	e.logger.Error("EMERGENCY STOP",
		zap.String("reason", cmd.Reason),
		zap.String("user", cmd.User),
		zap.Bool("flatten", cmd.Flatten))

	if err := e.cancelAll(ctx); err != nil {
		e.logger.Error("emergency cancel failed", zap.Error(err))
	}
	if cmd.Flatten {
		if err := e.flattenPositions(ctx); err != nil {
			e.logger.Error("emergency flatten failed", zap.Error(err))
		}
	}
	e.alert(ctx, notify.SeverityCritical, "EMERGENCY STOP", cmd.Reason, map[string]string{
		"flatten": fmt.Sprintf("%t", cmd.Flatten),
		"user":    cmd.User,
	})
}

func (e *Engine) enableLive(ctx context.Context, confirmedBy string) {
	e.liveAuthorized.Store(true)
	e.mu.Lock()
	e.liveBy = confirmedBy
	e.mode = systemModeLive
	e.mu.Unlock()
	promoted, err := e.registry.SetModes(schema.ModeEnabled, func(entry strategy.Entry) bool {
		return entry.Mode != schema.ModeDisabled
	})
	if err != nil {
		e.logger.Error("promote strategies failed", zap.Error(err))
	}
	e.logger.Warn("live trading authorized",
		zap.String("confirmed_by", confirmedBy),
		zap.Strings("strategies", promoted))
	e.alert(ctx, notify.SeverityWarning, "Live trading enabled", "confirmed by "+confirmedBy, nil)
}

// LiveAuthorizedBy returns the operator that confirmed live trading.
func (e *Engine) LiveAuthorizedBy() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liveBy
}

func (e *Engine) cancelAll(ctx context.Context) error {
	var n int
	err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		n, err = e.gw.CancelAllOrders(ioCtx)
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	e.logger.Warn("open orders cancelled", zap.Int("count", n))
	return nil
}

func (e *Engine) flattenPositions(ctx context.Context) error {
	var results []schema.OrderResult
	err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		results, err = e.gw.CloseAllPositions(ioCtx)
		return err
	})
	if err != nil {
		return fmt.Errorf("close all positions: %w", err)
	}
	e.logger.Warn("positions flattened", zap.Int("orders", len(results)))
	return nil
}

// flattenAll cancels open orders, closes every position and refreshes the position cache.
func (e *Engine) flattenAll(ctx context.Context, user string) error {
	e.logger.Warn("flatten all requested", zap.String("user", user))
	if err := e.cancelAll(ctx); err != nil {
		return err
	}
	if err := e.flattenPositions(ctx); err != nil {
		return err
	}
	if err := e.reconcilePositions(ctx); err != nil {
		e.logger.Warn("reconcile after flatten failed", zap.Error(err))
	}
	return nil
}

// pause stops routing. A positive duration schedules an automatic resume that only fires if
// this pause is still the current one.
func (e *Engine) pause(d time.Duration) error {
	gen := e.pauseGen.Add(1)
	e.paused.Store(true)

	e.mu.Lock()
	if e.cancelResume != nil {
		e.cancelResume()
		e.cancelResume = nil
	}
	e.mu.Unlock()
	e.logger.Warn("trading paused", zap.Duration("duration", d))
	if d <= 0 {
		return nil
	}
	cancel, err := e.sched.After("auto_resume", d, func(context.Context) {
		if e.pauseGen.Load() != gen || !e.paused.Load() {
			return
		}
		e.resume(false, "auto_resume")
	})
	if err != nil {
		return fmt.Errorf("schedule auto resume: %w", err)
	}
	e.mu.Lock()
	e.cancelResume = cancel
	e.mu.Unlock()
	return nil
}

func (e *Engine) resume(clearHalt bool, user string) {
	e.pauseGen.Add(1)
	e.paused.Store(false)
	e.mu.Lock()
	if e.cancelResume != nil {
		e.cancelResume()
		e.cancelResume = nil
	}
	e.mu.Unlock()
	if clearHalt {
		e.risk.ResumeTrading()
	}
	e.logger.Warn("trading resumed", zap.String("user", user), zap.Bool("clear_halt", clearHalt))
}

func (e *Engine) storeStatus(ctx context.Context, key, value string) {
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		return e.store.Set(ioCtx, key, value, 0)
	}); err != nil {
		e.logger.Debug("store status failed", zap.String("key", key), zap.Error(err))
	}
}
