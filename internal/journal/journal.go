// Package journal records the trading audit trail: signals, orders, snapshots,
// controller transitions and pre-flight results.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/internal/schema"
)

// Signal is an intent that was evaluated but not submitted to the broker.
type Signal struct {
	ID         uuid.UUID           `json:"id"`
	RecordedAt time.Time           `json:"recorded_at"`
	Intent     schema.OrderIntent  `json:"intent"`
	Mode       schema.StrategyMode `json:"mode"`
	Outcome    string              `json:"outcome"`
	Reason     string              `json:"reason,omitempty"`
}

// Order is a submission and the broker's answer to it.
type Order struct {
	ID         uuid.UUID           `json:"id"`
	Strategy   string              `json:"strategy"`
	Mode       schema.StrategyMode `json:"mode"`
	Requested  decimal.Decimal     `json:"requested_qty"`
	Result     schema.OrderResult  `json:"result"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// PositionSnapshot is the reconciled position set at one instant.
type PositionSnapshot struct {
	TakenAt   time.Time         `json:"taken_at"`
	Positions []schema.Position `json:"positions"`
}

// AccountSnapshot is the broker account at one instant.
type AccountSnapshot struct {
	TakenAt  time.Time       `json:"taken_at"`
	Account  schema.Account  `json:"account"`
	DailyPnL decimal.Decimal `json:"daily_pnl"`
}

// Audit is one controller action.
type Audit struct {
	ID         uuid.UUID         `json:"id"`
	RecordedAt time.Time         `json:"recorded_at"`
	Action     string            `json:"action"`
	FromState  string            `json:"from_state,omitempty"`
	ToState    string            `json:"to_state,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Preflight is a pre-flight checklist outcome.
type Preflight struct {
	ID         uuid.UUID       `json:"id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Passed     bool            `json:"passed"`
	Checks     map[string]bool `json:"checks"`
	Failures   []string        `json:"failures,omitempty"`
}

// Journal persists audit records. Implementations must be safe for concurrent use.
type Journal interface {
	RecordSignal(ctx context.Context, s Signal) error
	RecordOrder(ctx context.Context, o Order) error
	RecordPositions(ctx context.Context, s PositionSnapshot) error
	RecordAccount(ctx context.Context, s AccountSnapshot) error
	RecordAudit(ctx context.Context, a Audit) error
	RecordPreflight(ctx context.Context, p Preflight) error
	Ping(ctx context.Context) error
}

// Nop discards every record; used when no database is configured.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) RecordSignal(context.Context, Signal) error              { return nil }
func (Nop) RecordOrder(context.Context, Order) error                { return nil }
func (Nop) RecordPositions(context.Context, PositionSnapshot) error { return nil }
func (Nop) RecordAccount(context.Context, AccountSnapshot) error    { return nil }
func (Nop) RecordAudit(context.Context, Audit) error                { return nil }
func (Nop) RecordPreflight(context.Context, Preflight) error        { return nil }
func (Nop) Ping(context.Context) error                              { return nil }

// Memory keeps records in process. Tests and the paper setup use it.
type Memory struct {
	mu         sync.Mutex
	signals    []Signal
	orders     []Order
	positions  []PositionSnapshot
	accounts   []AccountSnapshot
	audits     []Audit
	preflights []Preflight
}

var _ Journal = (*Memory)(nil)

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordSignal(_ context.Context, s Signal) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.mu.Lock()
	m.signals = append(m.signals, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordOrder(_ context.Context, o Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	m.mu.Lock()
	m.orders = append(m.orders, o)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordPositions(_ context.Context, s PositionSnapshot) error {
	m.mu.Lock()
	m.positions = append(m.positions, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordAccount(_ context.Context, s AccountSnapshot) error {
	m.mu.Lock()
	m.accounts = append(m.accounts, s)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordAudit(_ context.Context, a Audit) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.mu.Lock()
	m.audits = append(m.audits, a)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordPreflight(_ context.Context, p Preflight) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.mu.Lock()
	m.preflights = append(m.preflights, p)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Signals returns a copy of the recorded signals.
func (m *Memory) Signals() []Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Signal(nil), m.signals...)
}

// Orders returns a copy of the recorded orders.
func (m *Memory) Orders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Order(nil), m.orders...)
}

// Audits returns a copy of the recorded audit entries.
func (m *Memory) Audits() []Audit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Audit(nil), m.audits...)
}

// Preflights returns a copy of the recorded pre-flight results.
func (m *Memory) Preflights() []Preflight {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Preflight(nil), m.preflights...)
}

// Snapshots returns the number of position and account snapshots recorded.
func (m *Memory) Snapshots() (positions, accounts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions), len(m.accounts)
}
