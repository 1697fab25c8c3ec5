// Package risk holds the authoritative risk state and the ordered policy every order intent
// must pass before it may reach the broker.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/schema"
)

// Level buckets the daily P&L relative to the daily loss limit.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score maps a level onto a 0-100 scale.
func (l Level) Score() int {
	switch l {
	case LevelLow:
		return 25
	case LevelMedium:
		return 50
	case LevelHigh:
		return 75
	case LevelCritical:
		return 100
	default:
		return 0
	}
}

// Rule identifies which check produced a rejection.
type Rule string

const (
	RuleNone          Rule = ""
	RuleHalted        Rule = "halted"
	RuleDailyLoss     Rule = "daily_loss"
	RuleWeeklyLoss    Rule = "weekly_loss"
	RuleOrderValue    Rule = "order_value"
	RulePositionSize  Rule = "position_size"
	RuleRateLimit     Rule = "rate_limit"
	RuleDailyTrades   Rule = "daily_trades"
	RuleCorrelation   Rule = "correlation"
	RulePortfolioHeat Rule = "portfolio_heat"
)

const (
	reasonDailyLoss     = "Daily loss limit exceeded"
	reasonWeeklyLoss    = "Weekly loss limit exceeded"
	reasonEmergencyHalt = "Emergency halt activated"

	maxSectorPositions = 3
	violationCapacity  = 100
	statusViolations   = 10
)

// Decision is the outcome of a risk check. A rejection is a normal result, not an error.
type Decision struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(rule Rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Violation is one entry in the bounded violation history.
type Violation struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// PriceSource supplies the last known trade price for a symbol.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(symbol string) (decimal.Decimal, bool)

// LastPrice implements PriceSource.
func (f PriceFunc) LastPrice(symbol string) (decimal.Decimal, bool) { return f(symbol) }

// Status is a point-in-time view of the risk state.
type Status struct {
	Halted        bool            `json:"is_halted"`
	HaltReason    string          `json:"halt_reason,omitempty"`
	Level         Level           `json:"risk_level"`
	Score         int             `json:"risk_score"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	WeeklyPnL     decimal.Decimal `json:"weekly_pnl"`
	DailyTrades   int             `json:"daily_trades"`
	OrdersThisMin int             `json:"orders_this_minute"`
	Limits        Limits          `json:"limits"`
	Violations    []Violation     `json:"violations"`
}

// Manager is the single writer of risk state. All methods are safe for concurrent use;
// every read and write of the shared counters happens under one mutex.
type Manager struct {
	mu sync.Mutex

	limits  Limits
	sectors map[string]string

	dailyPnL      decimal.Decimal
	weeklyPnL     decimal.Decimal
	dailyTrades   int
	ordersThisMin int
	minuteBucket  time.Time

	halted     bool
	haltReason string
	level      Level
	violations []Violation

	prices PriceSource
	clock  func() time.Time
	logger *zap.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithSectors assigns symbols to sectors for the concentration check.
func WithSectors(sectors map[string]string) Option {
	return func(m *Manager) {
		for symbol, sector := range sectors {
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			sector = strings.TrimSpace(sector)
			if symbol != "" && sector != "" {
				m.sectors[symbol] = sector
			}
		}
	}
}

// WithPriceSource supplies last known prices for order valuation.
func WithPriceSource(src PriceSource) Option {
	return func(m *Manager) {
		m.prices = src
	}
}

// WithClock overrides the wall clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a risk manager enforcing limits.
func NewManager(limits Limits, opts ...Option) (*Manager, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("risk limits: %w", err)
	}
	m := &Manager{
		limits:  limits,
		sectors: make(map[string]string),
		level:   LevelLow,
		clock:   time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.minuteBucket = m.clock().Truncate(time.Minute)
	m.logger.Info("risk manager initialised",
		zap.String("daily_loss_limit", limits.DailyLossLimit.String()),
		zap.String("max_position_size", limits.MaxPositionSize.String()),
		zap.Int("max_orders_per_minute", limits.MaxOrdersPerMinute),
		zap.Int("max_daily_trades", limits.MaxDailyTrades))
	return m, nil
}

// CheckOrderIntent runs the ordered rule set against intent and, only when every rule passes,
// consumes one slot of the per-minute and daily trade budgets.
func (m *Manager) CheckOrderIntent(intent schema.OrderIntent, positions schema.Positions) Decision {
	return m.evaluate(intent, positions, true)
}

// Preview runs the same ordered rules without consuming any budget. Loss-limit breaches
// still halt trading.
func (m *Manager) Preview(intent schema.OrderIntent, positions schema.Positions) Decision {
	return m.evaluate(intent, positions, false)
}

func (m *Manager) evaluate(intent schema.OrderIntent, positions schema.Positions, commit bool) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return reject(RuleHalted, "Trading halted: %s", m.haltReason)
	}
	if m.dailyPnL.LessThanOrEqual(m.limits.DailyLossLimit.Neg()) {
		m.haltLocked(reasonDailyLoss)
		return reject(RuleDailyLoss, reasonDailyLoss)
	}
	if m.limits.WeeklyLossLimit.IsPositive() && m.weeklyPnL.LessThanOrEqual(m.limits.WeeklyLossLimit.Neg()) {
		m.haltLocked(reasonWeeklyLoss)
		return reject(RuleWeeklyLoss, reasonWeeklyLoss)
	}

	symbol := strings.ToUpper(intent.Symbol)
	price, priced := m.referencePrice(intent, positions)

	if m.limits.MaxSingleOrderValue.IsPositive() && priced {
		orderValue := intent.Quantity.Mul(price)
		if orderValue.GreaterThan(m.limits.MaxSingleOrderValue) {
			return reject(RuleOrderValue, "Order value $%s exceeds max $%s",
				orderValue.StringFixed(2), m.limits.MaxSingleOrderValue.StringFixed(2))
		}
	}

	if m.limits.MaxPositionSize.IsPositive() && priced {
		held := decimal.Zero
		if pos, ok := positions[symbol]; ok {
			held = pos.Quantity
		}
		newQty := held.Add(intent.Quantity.Mul(intent.Side.Sign()))
		newValue := newQty.Mul(price).Abs()
		if newValue.GreaterThan(m.limits.MaxPositionSize) {
			return reject(RulePositionSize, "Position size $%s would exceed max $%s",
				newValue.StringFixed(2), m.limits.MaxPositionSize.StringFixed(2))
		}
	}

	m.rollMinuteLocked()
	if m.limits.MaxOrdersPerMinute > 0 && m.ordersThisMin >= m.limits.MaxOrdersPerMinute {
		return reject(RuleRateLimit, "Rate limit: %d orders per minute", m.limits.MaxOrdersPerMinute)
	}

	if m.limits.MaxDailyTrades > 0 && m.dailyTrades >= m.limits.MaxDailyTrades {
		return reject(RuleDailyTrades, "Daily trade limit (%d) reached", m.limits.MaxDailyTrades)
	}

	if m.sectorCrowdedLocked(symbol, positions) {
		return reject(RuleCorrelation, "Position correlation too high")
	}

	if m.limits.MaxPortfolioHeat.IsPositive() {
		heat := m.portfolioHeatLocked(positions)
		if heat.GreaterThan(m.limits.MaxPortfolioHeat) {
			return reject(RulePortfolioHeat, "Portfolio heat %s exceeds max %s",
				percent(heat), percent(m.limits.MaxPortfolioHeat))
		}
	}

	if commit {
		m.ordersThisMin++
		m.dailyTrades++
	}
	return allow()
}

// referencePrice prefers the last traded price, then the position mark, then the intent's own
// limit or stop price.
func (m *Manager) referencePrice(intent schema.OrderIntent, positions schema.Positions) (decimal.Decimal, bool) {
	symbol := strings.ToUpper(intent.Symbol)
	if m.prices != nil {
		if price, ok := m.prices.LastPrice(symbol); ok && price.IsPositive() {
			return price, true
		}
	}
	if pos, ok := positions[symbol]; ok && pos.CurrentPrice.IsPositive() {
		return pos.CurrentPrice, true
	}
	return intent.QuotedPrice()
}

func (m *Manager) sectorCrowdedLocked(symbol string, positions schema.Positions) bool {
	sector, ok := m.sectors[symbol]
	if !ok {
		return false
	}
	count := 0
	for held := range positions {
		if held == symbol {
			continue
		}
		if m.sectors[held] == sector {
			count++
		}
	}
	return count >= maxSectorPositions
}

func (m *Manager) portfolioHeatLocked(positions schema.Positions) decimal.Decimal {
	totalValue := decimal.Zero
	totalRisk := decimal.Zero
	for _, pos := range positions {
		value := pos.MarketValue()
		totalValue = totalValue.Add(value)
		totalRisk = totalRisk.Add(value.Mul(m.limits.PerTradeStopPct))
	}
	if !totalValue.IsPositive() {
		return decimal.Zero
	}
	return totalRisk.Div(totalValue)
}

func (m *Manager) rollMinuteLocked() {
	bucket := m.clock().Truncate(time.Minute)
	if !bucket.Equal(m.minuteBucket) {
		m.minuteBucket = bucket
		m.ordersThisMin = 0
	}
}

// UpdatePnL replaces the daily and, when non-nil, weekly P&L and re-derives the risk level.
func (m *Manager) UpdatePnL(daily decimal.Decimal, weekly *decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = daily
	if weekly != nil {
		m.weeklyPnL = *weekly
	}
	m.afterPnLLocked()
}

// UpdateDailyPnL replaces the daily P&L.
func (m *Manager) UpdateDailyPnL(daily decimal.Decimal) {
	m.UpdatePnL(daily, nil)
}

// UpdatePortfolioPnL sets the daily P&L to the unrealized P&L of positions.
func (m *Manager) UpdatePortfolioPnL(positions schema.Positions) {
	m.UpdatePnL(positions.UnrealizedPnL(), nil)
}

// AddRealizedPnL accumulates a realized result into both the daily and weekly totals.
func (m *Manager) AddRealizedPnL(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = m.dailyPnL.Add(delta)
	m.weeklyPnL = m.weeklyPnL.Add(delta)
	m.afterPnLLocked()
}

func (m *Manager) afterPnLLocked() {
	switch {
	case m.dailyPnL.LessThanOrEqual(m.limits.DailyLossLimit.Neg()):
		m.haltLocked(reasonDailyLoss)
	case m.limits.WeeklyLossLimit.IsPositive() && m.weeklyPnL.LessThanOrEqual(m.limits.WeeklyLossLimit.Neg()):
		m.haltLocked(reasonWeeklyLoss)
	case m.limits.MarginCallThreshold.IsPositive() &&
		m.dailyPnL.LessThanOrEqual(m.limits.DailyLossLimit.Mul(m.limits.MarginCallThreshold).Neg()):
		m.logger.Warn("daily loss past margin call threshold",
			zap.String("daily_pnl", m.dailyPnL.String()),
			zap.String("threshold", m.limits.MarginCallThreshold.String()))
	}
	m.recomputeLevelLocked()
}

// recomputeLevelLocked derives the level from daily_pnl / daily_loss_limit; halt pins it to critical.
func (m *Manager) recomputeLevelLocked() {
	if m.halted {
		m.level = LevelCritical
		return
	}
	m.level = LevelFor(m.dailyPnL, m.limits.DailyLossLimit)
}

// LevelFor buckets pnl against limit: at or below -75% critical, -50% high, -25% medium.
func LevelFor(pnl, limit decimal.Decimal) Level {
	if !limit.IsPositive() {
		return LevelLow
	}
	ratio := pnl.Div(limit)
	switch {
	case ratio.LessThanOrEqual(decimal.RequireFromString("-0.75")):
		return LevelCritical
	case ratio.LessThanOrEqual(decimal.RequireFromString("-0.50")):
		return LevelHigh
	case ratio.LessThanOrEqual(decimal.RequireFromString("-0.25")):
		return LevelMedium
	default:
		return LevelLow
	}
}

// haltLocked sets the halt flag once; repeated halts leave the first reason and history alone.
func (m *Manager) haltLocked(reason string) bool {
	if m.halted {
		return false
	}
	m.halted = true
	m.haltReason = reason
	m.level = LevelCritical
	m.violations = append(m.violations, Violation{At: m.clock().UTC(), Reason: reason})
	if len(m.violations) > violationCapacity {
		m.violations = append([]Violation(nil), m.violations[len(m.violations)-violationCapacity:]...)
	}
	m.logger.Error("trading halted", zap.String("reason", reason))
	return true
}

// EmergencyHalt is the manual kill switch. It reports whether this call set the halt.
func (m *Manager) EmergencyHalt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltLocked(reasonEmergencyHalt)
}

// ResumeTrading clears the halt and re-derives the level from the current P&L.
func (m *Manager) ResumeTrading() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halted {
		return
	}
	m.halted = false
	m.haltReason = ""
	m.recomputeLevelLocked()
	m.logger.Info("trading resumed", zap.String("risk_level", string(m.level)))
}

// ResetDailyPnL clears the daily accumulators at a session boundary.
func (m *Manager) ResetDailyPnL() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
	m.dailyTrades = 0
	m.ordersThisMin = 0
	m.recomputeLevelLocked()
	m.logger.Info("daily risk counters reset")
}

// ResetWeeklyPnL clears the weekly accumulator at a week boundary.
func (m *Manager) ResetWeeklyPnL() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.weeklyPnL = decimal.Zero
}

// ApplyPatch merges patch into the live limits. The merged limits are validated first; on
// failure nothing changes.
func (m *Manager) ApplyPatch(patch LimitsPatch) (Limits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := patch.Apply(m.limits)
	if err := next.Validate(); err != nil {
		return m.limits, fmt.Errorf("apply risk limits: %w", err)
	}
	m.limits = next
	m.recomputeLevelLocked()
	return next, nil
}

// Limits returns the live limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Halted reports the halt flag and reason.
func (m *Manager) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

// Level returns the current risk level.
func (m *Manager) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Status returns a snapshot including the most recent violations.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	recent := m.violations
	if len(recent) > statusViolations {
		recent = recent[len(recent)-statusViolations:]
	}
	return Status{
		Halted:        m.halted,
		HaltReason:    m.haltReason,
		Level:         m.level,
		Score:         m.level.Score(),
		DailyPnL:      m.dailyPnL,
		WeeklyPnL:     m.weeklyPnL,
		DailyTrades:   m.dailyTrades,
		OrdersThisMin: m.ordersThisMin,
		Limits:        m.limits,
		Violations:    append([]Violation(nil), recent...),
	}
}

func percent(fraction decimal.Decimal) string {
	return fraction.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}
