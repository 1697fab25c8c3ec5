package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/scheduler"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
)

// Task names reported by TaskHealth.
const (
	TaskHeartbeat      = "heartbeat"
	TaskReconcile      = "reconcile_positions"
	TaskAccount        = "account_snapshot"
	TaskMarketHours    = "market_hours"
	TaskStrategyTimers = "strategy_timers"
)

const (
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
)

func (e *Engine) registerTasks() error {
	tasks := []scheduler.Task{
		{Name: TaskHeartbeat, Interval: e.cfg.HeartbeatInterval, Timeout: e.cfg.IOTimeout, Immediate: true, Run: e.heartbeat},
		{Name: TaskReconcile, Interval: e.cfg.ReconcileInterval, Timeout: e.cfg.IOTimeout, Run: e.reconcilePositions},
		{Name: TaskAccount, Interval: e.cfg.AccountInterval, Timeout: e.cfg.IOTimeout, Run: e.snapshotAccount},
		{Name: TaskMarketHours, Interval: e.cfg.MarketHoursInterval, Timeout: e.cfg.IOTimeout, Run: e.checkMarketHours},
		{Name: TaskStrategyTimers, Interval: e.cfg.StrategyTimerInterval, Timeout: e.cfg.IOTimeout, Run: e.runStrategyTimers},
	}
	for _, task := range tasks {
		if err := e.sched.Every(task); err != nil {
			return fmt.Errorf("register task %s: %w", task.Name, err)
		}
	}
	return nil
}

// heartbeat publishes the engine stats record and pings the journal database.
func (e *Engine) heartbeat(ctx context.Context) error {
	hb := e.Heartbeat()
	if err := statestore.SetJSON(ctx, e.store, statestore.HeartbeatKey(e.cfg.ID), hb, 2*e.cfg.HeartbeatInterval); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	dbStatus := statusConnected
	if err := e.journal.Ping(ctx); err != nil {
		dbStatus = statusDisconnected
		e.logger.Warn("journal unreachable", zap.Error(err))
	}
	if err := e.store.Set(ctx, statestore.KeyDatabaseStatus, dbStatus, 0); err != nil {
		return fmt.Errorf("store database status: %w", err)
	}
	e.logger.Debug("heartbeat",
		zap.Bool("trading_enabled", hb.TradingEnabled),
		zap.Int("positions", hb.PositionsCount),
		zap.Int("pending_orders", hb.PendingOrders),
		zap.Bool("risk_halted", hb.RiskHalted))
	return nil
}

// reconcilePositions replaces the position snapshot with the broker's view in one swap and
// expires client order ids that stayed pending past the configured TTL.
func (e *Engine) reconcilePositions(ctx context.Context) error {
	var list []schema.Position
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		list, err = e.gw.Positions(ioCtx)
		return err
	}); err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	next := schema.NewPositions(list)
	e.positions.Store(&next)
	if n := e.gw.Sweep(e.cfg.PendingOrderTTL); n > 0 {
		e.logger.Info("expired pending client order ids", zap.Int("count", n), zap.Duration("ttl", e.cfg.PendingOrderTTL))
	}

	if err := e.journal.RecordPositions(ctx, journal.PositionSnapshot{
		TakenAt:   e.clock(),
		Positions: list,
	}); err != nil {
		e.logger.Warn("journal positions failed", zap.Error(err))
	}
	e.logger.Debug("positions reconciled", zap.Int("count", len(next)))
	return nil
}

// snapshotAccount refreshes the account snapshot and feeds daily and weekly P&L to the risk manager.
func (e *Engine) snapshotAccount(ctx context.Context) error {
	var account schema.Account
	err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		account, err = e.gw.Account(ioCtx)
		return err
	})
	if err != nil {
		e.storeStatus(ctx, statestore.KeyBrokerStatus, statusDisconnected)
		return fmt.Errorf("fetch account: %w", err)
	}
	e.storeStatus(ctx, statestore.KeyBrokerStatus, statusConnected)

	daily := dailyPnL(account, e.Positions())
	if weekly, ok := e.weeklyPnL(ctx, account); ok {
		e.risk.UpdatePnL(daily, &weekly)
		e.storeStatus(ctx, statestore.KeyWeeklyPnL, weekly.StringFixed(2))
	} else {
		e.risk.UpdateDailyPnL(daily)
	}

	if err := statestore.SetJSON(ctx, e.store, statestore.KeyAccountSnapshot, account, 0); err != nil {
		e.logger.Warn("store account snapshot failed", zap.Error(err))
	}
	e.storeStatus(ctx, statestore.KeyDailyPnL, daily.StringFixed(2))
	if err := e.journal.RecordAccount(ctx, journal.AccountSnapshot{
		TakenAt:  e.clock(),
		Account:  account,
		DailyPnL: daily,
	}); err != nil {
		e.logger.Warn("journal account failed", zap.Error(err))
	}

	halted, _ := e.risk.Halted()
	e.metrics.RecordRiskScore(ctx, e.risk.Level().Score(), halted)
	if account.Blocked() {
		e.logger.Warn("broker account blocked",
			zap.Bool("trading_blocked", account.TradingBlocked),
			zap.Bool("account_blocked", account.AccountBlocked),
			zap.Bool("suspended_by_user", account.TradeSuspendedByUser))
	}
	return nil
}

// dailyPnL uses the broker's equity delta when it reports prior-day equity, otherwise the
// unrealized P&L of open positions.
func dailyPnL(account schema.Account, positions schema.Positions) decimal.Decimal {
	if account.LastEquity.IsPositive() {
		return account.Equity.Sub(account.LastEquity)
	}
	return positions.UnrealizedPnL()
}

// weekOpen is the equity baseline for weekly P&L within one ISO week.
type weekOpen struct {
	Year   int             `json:"year"`
	Week   int             `json:"week"`
	Equity decimal.Decimal `json:"equity"`
}

func (w weekOpen) covers(year, week int) bool {
	return w.Equity.IsPositive() && w.Year == year && w.Week == week
}

// weeklyPnL measures equity against the week's opening baseline. The baseline is taken from the
// first snapshot of the week, preferring the prior close, and survives restarts via the store.
func (e *Engine) weeklyPnL(ctx context.Context, account schema.Account) (decimal.Decimal, bool) {
	if !account.Equity.IsPositive() {
		return decimal.Zero, false
	}
	year, week := e.clock().ISOWeek()
	e.mu.RLock()
	base := e.weekOpen
	e.mu.RUnlock()
	if !base.covers(year, week) {
		var stored weekOpen
		err := e.withIO(ctx, func(ioCtx context.Context) error {
			return statestore.GetJSON(ioCtx, e.store, statestore.KeyWeekOpenEquity, &stored)
		})
		if err == nil && stored.covers(year, week) {
			base = stored
		} else {
			base = weekOpen{Year: year, Week: week, Equity: account.Equity}
			if account.LastEquity.IsPositive() {
				base.Equity = account.LastEquity
			}
			if err := e.withIO(ctx, func(ioCtx context.Context) error {
				return statestore.SetJSON(ioCtx, e.store, statestore.KeyWeekOpenEquity, base, 0)
			}); err != nil {
				e.logger.Warn("store week open equity failed", zap.Error(err))
			}
			e.logger.Info("week open equity captured", zap.String("equity", base.Equity.StringFixed(2)))
		}
		e.mu.Lock()
		e.weekOpen = base
		e.mu.Unlock()
	}
	return account.Equity.Sub(base.Equity), true
}

// resetWeek drops the weekly baseline so the next account snapshot captures a fresh one.
func (e *Engine) resetWeek(ctx context.Context) {
	e.risk.ResetWeeklyPnL()
	e.mu.Lock()
	e.weekOpen = weekOpen{}
	e.mu.Unlock()
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		return e.store.Delete(ioCtx, statestore.KeyWeekOpenEquity)
	}); err != nil {
		e.logger.Warn("clear week open equity failed", zap.Error(err))
	}
}

// checkMarketHours tracks the session flag and resets daily counters when a session opens.
// Weekly counters reset on the first open of a Monday.
func (e *Engine) checkMarketHours(ctx context.Context) error {
	var open bool
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		open, err = e.gw.IsMarketOpen(ioCtx)
		return err
	}); err != nil {
		return fmt.Errorf("market hours: %w", err)
	}
	was := e.marketOpen.Swap(open)
	e.storeStatus(ctx, statestore.KeyMarketOpen, strconv.FormatBool(open))
	if open && !was {
		e.risk.ResetDailyPnL()
		if e.clock().Weekday() == time.Monday {
			e.resetWeek(ctx)
		}
		e.logger.Info("market session opened")
	} else if !open && was {
		e.logger.Info("market session closed")
	}
	return nil
}

// MarketOpen reports the last observed session flag.
func (e *Engine) MarketOpen() bool {
	return e.marketOpen.Load()
}

func (e *Engine) runStrategyTimers(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}
	now := e.clock()
	for _, entry := range e.registry.Snapshot() {
		if entry.Mode == schema.ModeDisabled {
			continue
		}
		intents, err := entry.Strategy.OnTimer(ctx, now)
		if err != nil {
			e.logger.Warn("strategy timer failed", zap.String("strategy", entry.Name()), zap.Error(err))
			continue
		}
		for _, intent := range intents {
			e.submitIntent(intent.WithStrategy(entry.Name()))
		}
	}
	return nil
}

// publishLimits mirrors the live limits into the state store for the controller and dashboards.
func (e *Engine) publishLimits(ctx context.Context) {
	status := e.risk.Status()
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		return statestore.SetJSON(ioCtx, e.store, statestore.KeyRiskLimits, status.Limits, 0)
	}); err != nil {
		e.logger.Warn("publish risk limits failed", zap.Error(err))
	}
	if status.Halted {
		e.alert(ctx, notify.SeverityCritical, "Risk halt active", status.HaltReason, nil)
	}
}
