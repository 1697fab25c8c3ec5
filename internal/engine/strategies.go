package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/marketdata"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/strategy"
)

// WarmupBars is the history length handed to a strategy when it is added.
const WarmupBars = 200

// StrategyStatus is the operator view of one registered strategy.
type StrategyStatus struct {
	Name         string              `json:"name"`
	Mode         schema.StrategyMode `json:"mode"`
	Symbols      []string            `json:"symbols,omitempty"`
	Timeframe    string              `json:"timeframe,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	LastSignal   *time.Time          `json:"last_signal,omitempty"`
}

// AddStrategy subscribes the strategy's series, warms it up from bar history and registers
// it. A strategy with the same name is replaced.
func (e *Engine) AddStrategy(ctx context.Context, s strategy.Strategy, mode schema.StrategyMode, symbols []string, timeframe time.Duration) error {
	const op = "engine.AddStrategy"
	if s == nil {
		return errs.Invalid(op, "strategy required")
	}
	tfName := ""
	if timeframe > 0 {
		tfName = marketdata.TimeframeName(timeframe)
		if _, err := marketdata.ParseTimeframe(tfName); err != nil {
			return errs.Invalid(op, err.Error())
		}
	}
	var history []schema.Bar
	for _, symbol := range symbols {
		if tfName == "" {
			continue
		}
		if err := e.market.Subscribe(symbol, tfName); err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
		bars, err := e.market.Bars(symbol, tfName, WarmupBars)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
		history = append(history, bars...)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Start.Before(history[j].Start) })

	if err := e.withIO(ctx, func(ioCtx context.Context) error { return s.Warmup(ioCtx, history) }); err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("warmup failed"), errs.WithCause(err))
	}
	replaced, err := e.registry.Register(s, mode, symbols, timeframe)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	e.logger.Info("strategy added",
		zap.String("strategy", s.Name()),
		zap.String("mode", string(mode)),
		zap.Strings("symbols", symbols),
		zap.String("timeframe", tfName),
		zap.Int("warmup_bars", len(history)),
		zap.Bool("replaced", replaced))
	return nil
}

// UpdateStrategyMode changes one strategy's execution mode.
func (e *Engine) UpdateStrategyMode(name string, mode schema.StrategyMode) error {
	const op = "engine.UpdateStrategyMode"
	previous, err := e.registry.SetMode(name, mode)
	if err != nil {
		return registryError(op, err)
	}
	e.logger.Warn("strategy mode changed",
		zap.String("strategy", name),
		zap.String("from", string(previous)),
		zap.String("to", string(mode)))
	return nil
}

// RemoveStrategy unregisters and closes a strategy.
func (e *Engine) RemoveStrategy(name string) error {
	if err := e.registry.Remove(name); err != nil {
		return registryError("engine.RemoveStrategy", err)
	}
	e.mu.Lock()
	delete(e.lastSignal, name)
	e.mu.Unlock()
	e.logger.Info("strategy removed", zap.String("strategy", name))
	return nil
}

// StrategyStatus lists every registered strategy ordered by name.
func (e *Engine) StrategyStatus() []StrategyStatus {
	entries := e.registry.Snapshot()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StrategyStatus, 0, len(entries))
	for _, entry := range entries {
		st := StrategyStatus{
			Name:         entry.Name(),
			Mode:         entry.Mode,
			Symbols:      entry.Symbols,
			RegisteredAt: entry.RegisteredAt,
		}
		if entry.Timeframe > 0 {
			st.Timeframe = marketdata.TimeframeName(entry.Timeframe)
		}
		if at, ok := e.lastSignal[entry.Name()]; ok {
			at := at
			st.LastSignal = &at
		}
		out = append(out, st)
	}
	return out
}

func registryError(op string, err error) error {
	if errors.Is(err, strategy.ErrUnknownStrategy) {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage(err.Error()), errs.WithCause(err))
	}
	return errs.New(op, errs.CodeInvalid, errs.WithMessage(err.Error()), errs.WithCause(err))
}
