// Package momentum implements a bar-driven momentum strategy that trades in the direction
// of the close-to-close change over a lookback window.
package momentum

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/schema"
)

// Config parameterises the strategy.
type Config struct {
	Name      string          `yaml:"name"`
	Lookback  int             `yaml:"lookback"`
	Threshold decimal.Decimal `yaml:"threshold_pct"`
	OrderSize decimal.Decimal `yaml:"order_size"`
	Cooldown  time.Duration   `yaml:"cooldown"`
}

// DefaultConfig returns a 20-bar window with a 0.5% trigger.
func DefaultConfig() Config {
	return Config{
		Name:      "momentum",
		Lookback:  20,
		Threshold: decimal.RequireFromString("0.5"),
		OrderSize: decimal.NewFromInt(1),
		Cooldown:  5 * time.Minute,
	}
}

// Momentum goes long on strong upward momentum and short on strong downward momentum.
type Momentum struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*symbolState
}

type symbolState struct {
	closes    []decimal.Decimal
	lastTrade time.Time
	position  int // 1 long, -1 short, 0 flat
}

// New validates cfg and constructs the strategy.
func New(cfg Config, logger *zap.Logger) (*Momentum, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "momentum"
	}
	if cfg.Lookback < 2 {
		return nil, fmt.Errorf("momentum: lookback must be at least 2")
	}
	if !cfg.Threshold.IsPositive() {
		return nil, fmt.Errorf("momentum: threshold must be positive")
	}
	if !cfg.OrderSize.IsPositive() {
		return nil, fmt.Errorf("momentum: order size must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Momentum{cfg: cfg, logger: logger.Named(cfg.Name), state: make(map[string]*symbolState)}, nil
}

// Name returns the configured strategy name.
func (m *Momentum) Name() string { return m.cfg.Name }

// Warmup seeds the close history without trading.
func (m *Momentum) Warmup(_ context.Context, bars []schema.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bar := range bars {
		m.push(bar)
	}
	return nil
}

// OnBar records the close and emits at most one intent.
func (m *Momentum) OnBar(_ context.Context, bar schema.Bar) ([]schema.OrderIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.push(bar)
	if len(st.closes) < m.cfg.Lookback {
		return nil, nil
	}
	now := bar.End()
	if !st.lastTrade.IsZero() && now.Sub(st.lastTrade) < m.cfg.Cooldown {
		return nil, nil
	}

	pct := changePct(st.closes)
	var side schema.Side
	switch {
	case pct.GreaterThan(m.cfg.Threshold) && st.position <= 0:
		side = schema.SideBuy
		st.position = 1
	case pct.LessThan(m.cfg.Threshold.Neg()) && st.position >= 0:
		side = schema.SideSell
		st.position = -1
	default:
		return nil, nil
	}
	st.lastTrade = now
	m.logger.Info("momentum signal",
		zap.String("symbol", bar.Symbol),
		zap.String("side", string(side)),
		zap.String("momentum_pct", pct.StringFixed(3)))

	return []schema.OrderIntent{{
		Symbol:    bar.Symbol,
		Side:      side,
		Type:      schema.OrderTypeMarket,
		Quantity:  m.cfg.OrderSize,
		Strategy:  m.cfg.Name,
		Tag:       "momentum",
		CreatedAt: now,
	}}, nil
}

// OnTimer is a no-op; the strategy only reacts to bars.
func (m *Momentum) OnTimer(context.Context, time.Time) ([]schema.OrderIntent, error) {
	return nil, nil
}

// Reset forgets the tracked position for symbol, for example after a flatten.
func (m *Momentum) Reset(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[strings.ToUpper(symbol)]; ok {
		st.position = 0
	}
}

func (m *Momentum) push(bar schema.Bar) *symbolState {
	key := strings.ToUpper(bar.Symbol)
	st, ok := m.state[key]
	if !ok {
		st = &symbolState{}
		m.state[key] = st
	}
	st.closes = append(st.closes, bar.Close)
	if len(st.closes) > m.cfg.Lookback {
		st.closes = st.closes[len(st.closes)-m.cfg.Lookback:]
	}
	return st
}

func changePct(closes []decimal.Decimal) decimal.Decimal {
	first := closes[0]
	if first.IsZero() {
		return decimal.Zero
	}
	return closes[len(closes)-1].Sub(first).Div(first).Mul(decimal.NewFromInt(100))
}
