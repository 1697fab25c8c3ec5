package js

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/marketdata"
	"github.com/coachpo/livecore/internal/schema"
)

// Strategy adapts a JavaScript module to the engine's strategy interface. The module's
// create(config) export returns an object whose optional warmup, onBar and onTimer
// methods return arrays of order intents.
type Strategy struct {
	module   *Module
	instance *Instance
	handle   *goja.Object
	clock    func() time.Time
}

// NewStrategy instantiates module and calls create with cfg.
func NewStrategy(ctx context.Context, module *Module, cfg map[string]any, logger *zap.Logger) (*Strategy, error) {
	instance, err := NewInstance(module, logger)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	value, err := instance.CallMethod(ctx, nil, "create", cfg)
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("strategy %s: create: %w", module.Metadata.Name, err)
	}
	var handle *goja.Object
	if _, err := instance.Execute(ctx, func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		if absent(value) {
			return nil, fmt.Errorf("create returned no object")
		}
		handle = value.ToObject(rt)
		return nil, nil
	}); err != nil {
		instance.Close()
		return nil, fmt.Errorf("strategy %s: %w", module.Metadata.Name, err)
	}
	return &Strategy{module: module, instance: instance, handle: handle, clock: time.Now}, nil
}

// Name returns the module's declared name.
func (s *Strategy) Name() string { return s.module.Metadata.Name }

// Symbols returns the module's declared symbols.
func (s *Strategy) Symbols() []string { return s.module.Metadata.Symbols }

// Timeframe returns the module's declared bar timeframe, or zero for any.
func (s *Strategy) Timeframe() time.Duration { return s.module.Timeframe }

// Warmup feeds historical bars. Modules without a warmup method are skipped.
func (s *Strategy) Warmup(ctx context.Context, bars []schema.Bar) error {
	payload := make([]map[string]any, 0, len(bars))
	for _, bar := range bars {
		payload = append(payload, barObject(bar))
	}
	_, err := s.instance.CallMethod(ctx, s.handle, "warmup", payload)
	if errors.Is(err, ErrFunctionMissing) {
		return nil
	}
	return err
}

// OnBar forwards a sealed bar and collects the intents returned.
func (s *Strategy) OnBar(ctx context.Context, bar schema.Bar) ([]schema.OrderIntent, error) {
	return s.collect(ctx, "onBar", barObject(bar))
}

// OnTimer forwards a scheduler tick and collects the intents returned.
func (s *Strategy) OnTimer(ctx context.Context, now time.Time) ([]schema.OrderIntent, error) {
	return s.collect(ctx, "onTimer", now.UnixMilli())
}

// Close releases the runtime.
func (s *Strategy) Close() { s.instance.Close() }

func (s *Strategy) collect(ctx context.Context, method string, arg any) ([]schema.OrderIntent, error) {
	value, err := s.instance.CallMethod(ctx, s.handle, method, arg)
	if errors.Is(err, ErrFunctionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %s: %w", s.Name(), method, err)
	}
	if absent(value) {
		return nil, nil
	}
	raw, ok := value.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("strategy %s: %s must return an array", s.Name(), method)
	}
	now := s.clock().UTC()
	intents := make([]schema.OrderIntent, 0, len(raw))
	for idx, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("strategy %s: %s: intent %d must be an object", s.Name(), method, idx)
		}
		intent, err := decodeIntent(fields)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %s: intent %d: %w", s.Name(), method, idx, err)
		}
		intent.Strategy = s.Name()
		intent.CreatedAt = now
		intents = append(intents, intent)
	}
	return intents, nil
}

func barObject(bar schema.Bar) map[string]any {
	return map[string]any{
		"symbol":    bar.Symbol,
		"timeframe": marketdata.TimeframeName(bar.Timeframe),
		"start":     bar.Start.UnixMilli(),
		"open":      bar.Open.InexactFloat64(),
		"high":      bar.High.InexactFloat64(),
		"low":       bar.Low.InexactFloat64(),
		"close":     bar.Close.InexactFloat64(),
		"volume":    bar.Volume.InexactFloat64(),
	}
}

func decodeIntent(fields map[string]any) (schema.OrderIntent, error) {
	intent := schema.OrderIntent{
		Symbol: strings.ToUpper(stringField(fields, "symbol")),
		Side:   schema.Side(strings.ToLower(stringField(fields, "side"))),
		Type:   schema.OrderType(strings.ToLower(stringField(fields, "type"))),
		Tag:    stringField(fields, "tag"),
	}
	if intent.Type == "" {
		intent.Type = schema.OrderTypeMarket
	}
	qty, ok, err := decimalField(fields, "qty")
	if err != nil {
		return intent, err
	}
	if !ok {
		return intent, fmt.Errorf("qty required")
	}
	intent.Quantity = qty
	if price, ok, err := decimalField(fields, "limitPrice"); err != nil {
		return intent, err
	} else if ok {
		intent.LimitPrice = &price
	}
	if price, ok, err := decimalField(fields, "stopPrice"); err != nil {
		return intent, err
	} else if ok {
		intent.StopPrice = &price
	}
	return intent, intent.Validate()
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

// decimalField accepts numbers or numeric strings. Strings keep full precision.
func decimalField(fields map[string]any, key string) (decimal.Decimal, bool, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	switch typed := v.(type) {
	case int64:
		return decimal.NewFromInt(typed), true, nil
	case float64:
		return decimal.NewFromFloat(typed), true, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("%s: %w", key, err)
		}
		return d, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
