package controller

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
)

// Checklist is the pre-flight checklist. Every item is evaluated fresh on each run.
type Checklist struct {
	APIConnection         bool `json:"api_connection"`
	DatabaseConnection    bool `json:"database_connection"`
	StoreConnection       bool `json:"store_connection"`
	MarketDataStreaming   bool `json:"market_data_streaming"`
	AccountVerified       bool `json:"account_verified"`
	SufficientCapital     bool `json:"sufficient_capital"`
	RiskLimitsSet         bool `json:"risk_limits_set"`
	StrategiesTested      bool `json:"strategies_tested"`
	BacktestProfitable    bool `json:"backtest_profitable"`
	KillSwitchTested      bool `json:"kill_switch_tested"`
	AlertsConfigured      bool `json:"alerts_configured"`
	MonitoringActive      bool `json:"monitoring_active"`
	TradingPermissions    bool `json:"trading_permissions"`
	PatternDayTraderCheck bool `json:"pattern_day_trader_check"`
}

// Items returns every check keyed by name, in checklist order.
func (c Checklist) Items() []CheckItem {
	return []CheckItem{
		{"api_connection", c.APIConnection},
		{"database_connection", c.DatabaseConnection},
		{"store_connection", c.StoreConnection},
		{"market_data_streaming", c.MarketDataStreaming},
		{"account_verified", c.AccountVerified},
		{"sufficient_capital", c.SufficientCapital},
		{"risk_limits_set", c.RiskLimitsSet},
		{"strategies_tested", c.StrategiesTested},
		{"backtest_profitable", c.BacktestProfitable},
		{"kill_switch_tested", c.KillSwitchTested},
		{"alerts_configured", c.AlertsConfigured},
		{"monitoring_active", c.MonitoringActive},
		{"trading_permissions", c.TradingPermissions},
		{"pattern_day_trader_check", c.PatternDayTraderCheck},
	}
}

// CheckItem is one named checklist entry.
type CheckItem struct {
	Name   string
	Passed bool
}

// Failures lists the names of failed checks.
func (c Checklist) Failures() []string {
	var out []string
	for _, item := range c.Items() {
		if !item.Passed {
			out = append(out, item.Name)
		}
	}
	return out
}

// Passed reports whether every check passed.
func (c Checklist) Passed() bool {
	return len(c.Failures()) == 0
}

// PreflightResult is the persisted outcome of one pre-flight run.
type PreflightResult struct {
	Timestamp time.Time `json:"timestamp"`
	Passed    bool      `json:"passed"`
	Failures  []string  `json:"failures"`
	Checklist Checklist `json:"checklist"`
}

// BacktestSummary is the record the backtest tooling leaves at backtest:results.
type BacktestSummary struct {
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	Strategies []string        `json:"strategies,omitempty"`
}

const (
	flagTrue        = "true"
	statusConnected = "connected"
)

// Preflight evaluates every checklist item, persists the result to the state store and the
// journal, and returns it. A failing checklist is a result, not an error.
func (c *Controller) Preflight(ctx context.Context) (PreflightResult, error) {
	list := c.evaluate(ctx)
	res := PreflightResult{
		Timestamp: c.clock().UTC(),
		Passed:    list.Passed(),
		Failures:  list.Failures(),
		Checklist: list,
	}

	c.mu.Lock()
	c.checklist = list
	c.lastPreflight = res.Timestamp
	c.mu.Unlock()

	if res.Passed {
		c.logger.Info("pre-flight check passed")
	} else {
		c.logger.Error("pre-flight check failed", zap.Strings("failures", res.Failures))
	}

	var persistErr error
	if err := statestore.SetJSON(ctx, c.store, statestore.KeyPreflightLatest, res, 0); err != nil {
		persistErr = errors.Join(persistErr, err)
	}
	checks := make(map[string]bool, 14)
	for _, item := range list.Items() {
		checks[item.Name] = item.Passed
	}
	if err := c.journal.RecordPreflight(ctx, journal.Preflight{
		RecordedAt: res.Timestamp,
		Passed:     res.Passed,
		Checks:     checks,
		Failures:   res.Failures,
	}); err != nil {
		persistErr = errors.Join(persistErr, err)
	}
	if persistErr != nil {
		c.logger.Warn("persist pre-flight result failed", zap.Error(persistErr))
	}
	return res, nil
}

func (c *Controller) evaluate(ctx context.Context) Checklist {
	var list Checklist
	now := c.clock()

	list.APIConnection = c.flag(ctx, statestore.KeyBrokerStatus, statusConnected)
	list.DatabaseConnection = c.flag(ctx, statestore.KeyDatabaseStatus, statusConnected)
	list.StoreConnection = c.store.Ping(ctx) == nil

	if raw, err := c.store.Get(ctx, statestore.KeyLastBarTime); err == nil {
		if last, err := time.Parse(time.RFC3339, raw); err == nil {
			list.MarketDataStreaming = now.Sub(last) < c.cfg.MaxBarAge
		}
	}

	var account schema.Account
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyAccountSnapshot, &account); err == nil {
		list.AccountVerified = true
		list.SufficientCapital = account.Equity.GreaterThanOrEqual(c.cfg.MinCapital)
		list.TradingPermissions = !account.Blocked()
		list.PatternDayTraderCheck = !account.PatternDayTrader || account.Equity.GreaterThanOrEqual(pdtMinimum)
	}

	var limits risk.Limits
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyRiskLimits, &limits); err == nil {
		list.RiskLimitsSet = limits.DailyLossLimit.IsPositive() && limits.MaxPositionSize.IsPositive()
	}

	var backtest BacktestSummary
	if err := statestore.GetJSON(ctx, c.store, statestore.KeyBacktestResults, &backtest); err == nil {
		list.StrategiesTested = true
		list.BacktestProfitable = backtest.TotalPnL.IsPositive()
	}

	list.KillSwitchTested = c.flag(ctx, statestore.KeyKillSwitchTested, flagTrue)
	list.AlertsConfigured = c.flag(ctx, statestore.KeyAlertsConfigured, flagTrue)
	list.MonitoringActive = c.flag(ctx, statestore.KeyMonitoringActive, flagTrue)
	return list
}

func (c *Controller) flag(ctx context.Context, key, want string) bool {
	raw, err := c.store.Get(ctx, key)
	return err == nil && raw == want
}

// pdtMinimum is the equity a pattern day trader account must hold.
var pdtMinimum = decimal.NewFromInt(25000)
