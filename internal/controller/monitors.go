package controller

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
)

// ShadowStats is written by the shadow monitor and gates the canary phase.
type ShadowStats struct {
	TotalIntents  int       `json:"total_intents"`
	StartedAt     time.Time `json:"started_at"`
	DurationHours float64   `json:"duration_hours"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CanaryStats is written by the canary monitor and gates the ramp phase. StartedAt names the
// canary phase the figures belong to.
type CanaryStats struct {
	TotalTrades int       `json:"total_trades"`
	Successful  int       `json:"successful"`
	SuccessRate float64   `json:"success_rate"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// monitor is one state-scoped observation step. It returns an error only for logging.
type monitor func(ctx context.Context) error

func (c *Controller) monitorFor(state State) (monitor, time.Duration) {
	switch state {
	case StateShadow:
		return c.observeShadow, c.cfg.ShadowInterval
	case StateCanary:
		return c.observeCanary, c.cfg.CanaryInterval
	case StateLive:
		return c.observeProduction, c.cfg.ProductionInterval
	default:
		return nil, 0
	}
}

// startMonitorLocked launches the monitor owned by state. It stops observing as soon as the
// controller leaves that state, even between ticks. Callers hold c.mu.
func (c *Controller) startMonitorLocked(state State) {
	fn, interval := c.monitorFor(state)
	if fn == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.stopMonitor = cancel
	gen := c.generation
	c.monitors.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if !c.current(gen) || ctx.Err() != nil {
				return
			}
			if err := fn(ctx); err != nil {
				c.logger.Warn("monitor step failed", zap.String("state", string(state)), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func (c *Controller) stopMonitorLocked() {
	if c.stopMonitor != nil {
		c.stopMonitor()
		c.stopMonitor = nil
	}
}

// current reports whether gen is still the live state generation.
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// writeIfCurrent stores v only while the generation that computed it is current, so a monitor
// racing a transition cannot overwrite the next phase's statistics.
func (c *Controller) writeIfCurrent(ctx context.Context, gen uint64, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return nil
	}
	storeCtx, cancel := c.storeCtx(ctx)
	defer cancel()
	return statestore.SetJSON(storeCtx, c.store, key, v, 0)
}

// phase is the generation and phase start times a monitor step computes against.
type phase struct {
	gen           uint64
	shadowStarted time.Time
	canaryStarted time.Time
}

func (c *Controller) phaseOf() phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return phase{gen: c.generation, shadowStarted: c.shadowStartedAt, canaryStarted: c.canaryStartedAt}
}

func (c *Controller) observeShadow(ctx context.Context) error {
	p := c.phaseOf()
	gen, started := p.gen, p.shadowStarted
	n, err := c.store.Len(ctx, statestore.KeyShadowIntents)
	if err != nil {
		return fmt.Errorf("count shadow intents: %w", err)
	}
	now := c.clock().UTC()
	stats := ShadowStats{
		TotalIntents:  n,
		StartedAt:     started,
		DurationHours: now.Sub(started).Hours(),
		UpdatedAt:     now,
	}
	return c.writeIfCurrent(ctx, gen, statestore.KeyShadowStats, stats)
}

func (c *Controller) observeCanary(ctx context.Context) error {
	p := c.phaseOf()
	raw, err := c.store.Range(ctx, statestore.KeyCanaryTrades, 0)
	if err != nil {
		return fmt.Errorf("read canary trades: %w", err)
	}
	stats := CanaryStats{StartedAt: p.canaryStarted, UpdatedAt: c.clock().UTC()}
	for _, item := range raw {
		var trade schema.CanaryTrade
		if err := json.Unmarshal([]byte(item), &trade); err != nil {
			continue
		}
		stats.TotalTrades++
		if trade.Success {
			stats.Successful++
		}
	}
	if stats.TotalTrades > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalTrades)
	}
	if err := c.writeIfCurrent(ctx, p.gen, statestore.KeyCanaryStats, stats); err != nil {
		return err
	}
	if stats.TotalTrades > 0 && stats.SuccessRate < c.cfg.CanaryWarnRate {
		c.logger.Warn("low canary success rate, consider stopping",
			zap.Float64("success_rate", stats.SuccessRate),
			zap.Int("trades", stats.TotalTrades))
	}
	return nil
}

// observeProduction triggers an emergency stop when daily P&L crosses the catastrophic loss.
func (c *Controller) observeProduction(ctx context.Context) error {
	raw, err := c.store.Get(ctx, statestore.KeyDailyPnL)
	if err != nil {
		return nil
	}
	pnl, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse daily pnl %q: %w", raw, err)
	}
	if pnl.GreaterThanOrEqual(c.cfg.CatastrophicLoss) {
		return nil
	}
	reason := fmt.Sprintf("Daily loss limit exceeded: %s", pnl.StringFixed(2))
	// The stop cancels this monitor's context, so it must not inherit it.
	if err := c.EmergencyStop(context.WithoutCancel(ctx), reason, false); err != nil {
		c.logger.Error("automatic emergency stop failed", zap.Error(err))
	}
	return nil
}
