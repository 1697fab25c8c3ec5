package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/gateway"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/statestore"
	"github.com/coachpo/livecore/internal/telemetry"
)

// RouteResult describes what happened to one intent.
type RouteResult struct {
	Outcome string              `json:"outcome"`
	Mode    schema.StrategyMode `json:"mode,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Intent  schema.OrderIntent  `json:"intent"`
	Order   *schema.OrderResult `json:"order,omitempty"`
}

// Drop reasons reported before the risk check.
const (
	reasonTradingDisabled = "trading disabled"
	reasonPaused          = "trading paused"
	reasonSymbolBlocked   = "symbol not in allowed universe"
	reasonUnknownStrategy = "strategy not registered"
	reasonDisabled        = "strategy disabled"
	reasonQueueFull       = "route queue full"
	reasonDuplicate       = "duplicate client order id"
)

// handleBar feeds a completed bar to every interested strategy in registration order and
// hands the resulting intents to the route pool.
func (e *Engine) handleBar(ctx context.Context, bar schema.Bar) {
	if !e.running.Load() {
		return
	}
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		return e.store.Set(ioCtx, statestore.KeyLastBarTime, bar.End().UTC().Format(time.RFC3339), 0)
	}); err != nil {
		e.logger.Debug("store last bar time failed", zap.Error(err))
	}

	for _, entry := range e.registry.Snapshot() {
		if entry.Mode == schema.ModeDisabled || !entry.Wants(bar.Symbol, bar.Timeframe) {
			continue
		}
		name := entry.Name()
		var intents []schema.OrderIntent
		err := e.withIO(ctx, func(ioCtx context.Context) error {
			var err error
			intents, err = entry.Strategy.OnBar(ioCtx, bar)
			return err
		})
		if err != nil {
			e.logger.Warn("strategy bar handler failed",
				zap.String("strategy", name),
				zap.String("symbol", bar.Symbol),
				zap.Error(err))
			continue
		}
		for _, intent := range intents {
			e.submitIntent(intent.WithStrategy(name))
		}
	}
}

func (e *Engine) submitIntent(intent schema.OrderIntent) {
	err := e.routes.Submit(e.runCtx, func(ctx context.Context) error {
		_, err := e.ProcessIntent(ctx, intent)
		return err
	})
	if err != nil {
		e.metrics.RecordRoute(e.runCtx, intent.Strategy, "", intent.Symbol, telemetry.OutcomeDropped)
		e.logger.Warn("intent dropped",
			zap.String("strategy", intent.Strategy),
			zap.String("symbol", intent.Symbol),
			zap.String("reason", reasonQueueFull),
			zap.Error(err))
	}
}

// ProcessIntent runs one intent through the pipeline: global gate, symbol universe, mode
// lookup, then under the symbol's guard the exposure cap, the risk check and mode dispatch.
// Rejections are results, not errors; errors report validation or broker failures.
func (e *Engine) ProcessIntent(ctx context.Context, intent schema.OrderIntent) (RouteResult, error) {
	res, err := e.route(ctx, intent)
	e.metrics.RecordRoute(ctx, res.Intent.Strategy, string(res.Mode), res.Intent.Symbol, res.Outcome)
	return res, err
}

func (e *Engine) route(ctx context.Context, intent schema.OrderIntent) (RouteResult, error) {
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))
	res := RouteResult{Intent: intent}

	if !e.tradingEnabled.Load() {
		return e.drop(res, reasonTradingDisabled), nil
	}
	if e.paused.Load() {
		return e.drop(res, reasonPaused), nil
	}
	if err := intent.Validate(); err != nil {
		res.Outcome = telemetry.OutcomeRejected
		res.Reason = err.Error()
		return res, errs.Invalid("engine.ProcessIntent", err.Error())
	}
	if !e.symbolAllowed(intent.Symbol) {
		return e.drop(res, reasonSymbolBlocked), nil
	}
	mode, ok := e.registry.Mode(intent.Strategy)
	if !ok {
		return e.drop(res, reasonUnknownStrategy), nil
	}
	res.Mode = mode
	if mode == schema.ModeDisabled {
		return e.drop(res, reasonDisabled), nil
	}

	e.noteSignal(intent.Strategy)
	var routeErr error
	err := e.symbols.Do(ctx, intent.Symbol, func(ctx context.Context) error {
		res, routeErr = e.routeLocked(ctx, intent, mode)
		return nil
	})
	if err != nil {
		res.Outcome = telemetry.OutcomeFailed
		res.Reason = err.Error()
		return res, err
	}
	return res, routeErr
}

// routeLocked runs with the symbol guard held across check and submission.
func (e *Engine) routeLocked(ctx context.Context, intent schema.OrderIntent, mode schema.StrategyMode) (RouteResult, error) {
	res := RouteResult{Intent: intent, Mode: mode}
	positions := e.Positions()

	submitted := intent
	if mode == schema.ModeCanary {
		if ceiling := e.CanaryMaxQty(); intent.Quantity.GreaterThan(ceiling) {
			submitted = intent.WithQuantity(ceiling)
			e.logger.Warn("canary quantity capped",
				zap.String("strategy", intent.Strategy),
				zap.String("symbol", intent.Symbol),
				zap.String("requested", intent.Quantity.String()),
				zap.String("submitted", ceiling.String()))
		}
	}

	if mode != schema.ModeShadow {
		if reason, ok := e.checkExposure(submitted, positions); !ok {
			return e.reject(ctx, res, mode, reason), nil
		}
	}

	start := time.Now()
	decision := e.evaluate(intent, positions, mode)
	e.metrics.RecordRiskCheck(ctx, time.Since(start))
	if !decision.Allowed {
		return e.reject(ctx, res, mode, decision.Reason), nil
	}

	switch mode {
	case schema.ModeShadow:
		e.recordShadow(ctx, intent)
		res.Outcome = telemetry.OutcomeShadowed
		return res, nil
	case schema.ModeCanary, schema.ModeEnabled:
		return e.place(ctx, res, intent, submitted, mode)
	default:
		return e.drop(res, reasonDisabled), nil
	}
}

// evaluate runs the risk rules. Shadow intents are previewed so they never consume the
// trade and rate budgets of real orders.
func (e *Engine) evaluate(intent schema.OrderIntent, positions schema.Positions, mode schema.StrategyMode) risk.Decision {
	if mode == schema.ModeShadow {
		return e.risk.Preview(intent, positions)
	}
	return e.risk.CheckOrderIntent(intent, positions)
}

func (e *Engine) place(ctx context.Context, res RouteResult, requested, submitted schema.OrderIntent, mode schema.StrategyMode) (RouteResult, error) {
	clientID := gateway.ClientOrderID(submitted.Strategy, submitted.Symbol, e.clock())
	var order schema.OrderResult
	start := time.Now()
	err := e.withIO(ctx, func(ioCtx context.Context) error {
		var err error
		order, err = e.gw.PlaceOrder(ioCtx, submitted, clientID)
		return err
	})
	elapsed := time.Since(start)
	res.Intent = submitted
	if err != nil {
		e.metrics.RecordPlace(ctx, submitted.Symbol, "error", elapsed)
		res.Outcome = telemetry.OutcomeFailed
		res.Reason = err.Error()
		e.logger.Error("order placement failed",
			zap.String("strategy", submitted.Strategy),
			zap.String("symbol", submitted.Symbol),
			zap.String("client_order_id", clientID),
			zap.Error(err))
		return res, err
	}
	e.metrics.RecordPlace(ctx, submitted.Symbol, string(order.Status), elapsed)
	res.Order = &order

	switch order.Status {
	case schema.OrderStatusRejected:
		res.Outcome = telemetry.OutcomeRejected
		res.Reason = order.Reason
	case schema.OrderStatusDuplicate:
		res.Outcome = telemetry.OutcomeDropped
		res.Reason = reasonDuplicate
	default:
		res.Outcome = telemetry.OutcomePlaced
	}
	e.logger.Warn("order submitted",
		zap.String("strategy", submitted.Strategy),
		zap.String("mode", string(mode)),
		zap.String("symbol", submitted.Symbol),
		zap.String("side", string(submitted.Side)),
		zap.String("qty", submitted.Quantity.String()),
		zap.String("client_order_id", clientID),
		zap.String("status", string(order.Status)),
		zap.String("reason", order.Reason))

	if err := e.journal.RecordOrder(ctx, journal.Order{
		Strategy:   submitted.Strategy,
		Mode:       mode,
		Requested:  requested.Quantity,
		Result:     order,
		RecordedAt: e.clock(),
	}); err != nil {
		e.logger.Warn("journal order failed", zap.Error(err))
	}
	if mode == schema.ModeCanary {
		trade := schema.CanaryTrade{
			Timestamp:     e.clock().UTC(),
			Strategy:      submitted.Strategy,
			Symbol:        submitted.Symbol,
			Side:          submitted.Side,
			RequestedQty:  requested.Quantity,
			SubmittedQty:  submitted.Quantity,
			ClientOrderID: clientID,
			OrderID:       order.ID,
			Status:        order.Status,
			Success:       order.Status != schema.OrderStatusRejected,
		}
		if err := e.withIO(ctx, func(ioCtx context.Context) error {
			return statestore.PushJSON(ioCtx, e.store, statestore.KeyCanaryTrades, trade, e.cfg.CanaryLogSize)
		}); err != nil {
			e.logger.Warn("record canary trade failed", zap.Error(err))
		}
	}
	return res, nil
}

func (e *Engine) recordShadow(ctx context.Context, intent schema.OrderIntent) {
	signal := schema.NewShadowSignal(intent, e.clock())
	e.logger.Info("shadow signal withheld",
		zap.String("strategy", intent.Strategy),
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("qty", intent.Quantity.String()))
	if err := e.withIO(ctx, func(ioCtx context.Context) error {
		return statestore.PushJSON(ioCtx, e.store, statestore.KeyShadowIntents, signal, e.cfg.ShadowLogSize)
	}); err != nil {
		e.logger.Warn("record shadow signal failed", zap.Error(err))
	}
	e.journalSignal(ctx, intent, schema.ModeShadow, telemetry.OutcomeShadowed, "")
}

func (e *Engine) reject(ctx context.Context, res RouteResult, mode schema.StrategyMode, reason string) RouteResult {
	res.Outcome = telemetry.OutcomeRejected
	res.Reason = reason
	e.metrics.RecordRejection(ctx, res.Intent.Symbol, reason)
	e.logger.Warn("intent rejected",
		zap.String("strategy", res.Intent.Strategy),
		zap.String("mode", string(mode)),
		zap.String("symbol", res.Intent.Symbol),
		zap.String("reason", reason))
	e.journalSignal(ctx, res.Intent, mode, telemetry.OutcomeRejected, reason)
	return res
}

func (e *Engine) drop(res RouteResult, reason string) RouteResult {
	res.Outcome = telemetry.OutcomeDropped
	res.Reason = reason
	e.logger.Debug("intent dropped",
		zap.String("strategy", res.Intent.Strategy),
		zap.String("symbol", res.Intent.Symbol),
		zap.String("reason", reason))
	return res
}

func (e *Engine) journalSignal(ctx context.Context, intent schema.OrderIntent, mode schema.StrategyMode, outcome, reason string) {
	if err := e.journal.RecordSignal(ctx, journal.Signal{
		RecordedAt: e.clock(),
		Intent:     intent,
		Mode:       mode,
		Outcome:    outcome,
		Reason:     reason,
	}); err != nil {
		e.logger.Warn("journal signal failed", zap.Error(err))
	}
}

// checkExposure enforces the engine-level gross exposure cap pushed by the controller.
func (e *Engine) checkExposure(intent schema.OrderIntent, positions schema.Positions) (string, bool) {
	limit := e.MaxExposure()
	if !limit.IsPositive() {
		return "", true
	}
	price, ok := e.referencePrice(intent, positions)
	if !ok {
		return fmt.Sprintf("no reference price for %s", intent.Symbol), false
	}
	gross := decimal.Zero
	for _, p := range positions {
		gross = gross.Add(p.MarketValue())
	}
	next := gross.Add(intent.Quantity.Mul(price))
	if next.GreaterThan(limit) {
		return fmt.Sprintf("Gross exposure $%s exceeds max $%s", next.StringFixed(2), limit.StringFixed(2)), false
	}
	return "", true
}

func (e *Engine) referencePrice(intent schema.OrderIntent, positions schema.Positions) (decimal.Decimal, bool) {
	if p, ok := intent.QuotedPrice(); ok {
		return p, true
	}
	if p, ok := e.market.LastPrice(intent.Symbol); ok && p.IsPositive() {
		return p, true
	}
	if pos, ok := positions[intent.Symbol]; ok && pos.CurrentPrice.IsPositive() {
		return pos.CurrentPrice, true
	}
	return decimal.Zero, false
}

func (e *Engine) symbolAllowed(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.allowedSymbols == nil {
		return true
	}
	_, ok := e.allowedSymbols[symbol]
	return ok
}

func (e *Engine) noteSignal(strategy string) {
	e.mu.Lock()
	e.lastSignal[strategy] = e.clock().UTC()
	e.mu.Unlock()
}

// CanaryMaxQty returns the live canary quantity ceiling.
func (e *Engine) CanaryMaxQty() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.canaryMaxQty
}

// MaxExposure returns the gross exposure cap; zero means unlimited.
func (e *Engine) MaxExposure() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxExposure
}

// AllowedSymbols returns the symbol universe; nil means unrestricted.
func (e *Engine) AllowedSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.allowedSymbols == nil {
		return nil
	}
	out := make([]string, 0, len(e.allowedSymbols))
	for s := range e.allowedSymbols {
		out = append(out, s)
	}
	return out
}
