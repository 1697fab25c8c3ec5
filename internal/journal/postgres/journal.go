// Package postgres persists the trading journal in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/livecore/internal/journal"
)

// Journal writes journal records through a pgx pool.
type Journal struct {
	pool *pgxpool.Pool
}

var _ journal.Journal = (*Journal)(nil)

// New constructs a Journal backed by the provided pool.
func New(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

const (
	signalInsertSQL = `
INSERT INTO journal_signals (
    id,
    recorded_at,
    strategy,
    symbol,
    side,
    order_type,
    quantity,
    limit_price,
    stop_price,
    mode,
    outcome,
    reason
)
VALUES (
    @id,
    @recorded_at,
    @strategy,
    @symbol,
    @side,
    @order_type,
    @quantity,
    @limit_price,
    @stop_price,
    @mode,
    @outcome,
    @reason
)
ON CONFLICT (id) DO NOTHING;
`

	orderUpsertSQL = `
INSERT INTO journal_orders (
    id,
    client_order_id,
    broker_order_id,
    strategy,
    symbol,
    side,
    mode,
    status,
    requested_qty,
    quantity,
    filled_qty,
    filled_avg_price,
    reason,
    submitted_at,
    recorded_at
)
VALUES (
    @id,
    @client_order_id,
    @broker_order_id,
    @strategy,
    @symbol,
    @side,
    @mode,
    @status,
    @requested_qty,
    @quantity,
    @filled_qty,
    @filled_avg_price,
    @reason,
    @submitted_at,
    @recorded_at
)
ON CONFLICT (client_order_id) DO UPDATE SET
    broker_order_id = COALESCE(EXCLUDED.broker_order_id, journal_orders.broker_order_id),
    status = EXCLUDED.status,
    filled_qty = EXCLUDED.filled_qty,
    filled_avg_price = EXCLUDED.filled_avg_price,
    reason = EXCLUDED.reason,
    recorded_at = EXCLUDED.recorded_at;
`

	positionInsertSQL = `
INSERT INTO journal_position_snapshots (
    taken_at,
    symbol,
    quantity,
    avg_entry_price,
    current_price,
    unrealized_pnl
)
VALUES (
    @taken_at,
    @symbol,
    @quantity,
    @avg_entry_price,
    @current_price,
    @unrealized_pnl
);
`

	accountInsertSQL = `
INSERT INTO journal_account_snapshots (
    taken_at,
    account_id,
    equity,
    last_equity,
    cash,
    buying_power,
    daily_pnl,
    trading_blocked
)
VALUES (
    @taken_at,
    @account_id,
    @equity,
    @last_equity,
    @cash,
    @buying_power,
    @daily_pnl,
    @trading_blocked
);
`

	auditInsertSQL = `
INSERT INTO journal_audit (
    id,
    recorded_at,
    action,
    from_state,
    to_state,
    actor,
    details
)
VALUES (
    @id,
    @recorded_at,
    @action,
    @from_state,
    @to_state,
    @actor,
    @details::jsonb
)
ON CONFLICT (id) DO NOTHING;
`

	preflightInsertSQL = `
INSERT INTO journal_preflight (
    id,
    recorded_at,
    passed,
    checks,
    failures
)
VALUES (
    @id,
    @recorded_at,
    @passed,
    @checks::jsonb,
    @failures
)
ON CONFLICT (id) DO NOTHING;
`

	auditSelectSQL = `
SELECT
    id,
    recorded_at,
    action,
    from_state,
    to_state,
    actor,
    details
FROM journal_audit
ORDER BY recorded_at DESC
LIMIT $1
`

	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

func (j *Journal) ensurePool() (*pgxpool.Pool, error) {
	if j.pool == nil {
		return nil, fmt.Errorf("journal: nil pool")
	}
	return j.pool, nil
}

// RecordSignal stores an evaluated, unsubmitted intent.
func (j *Journal) RecordSignal(ctx context.Context, s journal.Signal) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	intent := s.Intent
	args := pgx.NamedArgs{
		"id":          s.ID,
		"recorded_at": timestampOrNow(s.RecordedAt),
		"strategy":    intent.Strategy,
		"symbol":      intent.Symbol,
		"side":        string(intent.Side),
		"order_type":  string(intent.Type),
		"quantity":    numericFromDecimal(intent.Quantity),
		"limit_price": numericFromOptional(intent.LimitPrice),
		"stop_price":  numericFromOptional(intent.StopPrice),
		"mode":        string(s.Mode),
		"outcome":     strings.TrimSpace(s.Outcome),
		"reason":      nullableString(s.Reason),
	}
	if _, err := pool.Exec(ctx, signalInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert signal: %w", err)
	}
	return nil
}

// RecordOrder upserts an order keyed by its client order id.
func (j *Journal) RecordOrder(ctx context.Context, o journal.Order) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	res := o.Result
	if strings.TrimSpace(res.ClientOrderID) == "" {
		return fmt.Errorf("journal: client order id required")
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	args := pgx.NamedArgs{
		"id":               o.ID,
		"client_order_id":  res.ClientOrderID,
		"broker_order_id":  nullableString(res.ID),
		"strategy":         o.Strategy,
		"symbol":           res.Symbol,
		"side":             string(res.Side),
		"mode":             string(o.Mode),
		"status":           string(res.Status),
		"requested_qty":    numericFromDecimal(o.Requested),
		"quantity":         numericFromDecimal(res.Quantity),
		"filled_qty":       numericFromDecimal(res.FilledQty),
		"filled_avg_price": numericFromDecimal(res.FilledAvgPrice),
		"reason":           nullableString(res.Reason),
		"submitted_at":     timestampOrNow(res.SubmittedAt),
		"recorded_at":      timestampOrNow(o.RecordedAt),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("journal: upsert order: %w", err)
	}
	return nil
}

// RecordPositions writes one row per held position in a single batch.
func (j *Journal) RecordPositions(ctx context.Context, s journal.PositionSnapshot) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if len(s.Positions) == 0 {
		return nil
	}
	takenAt := timestampOrNow(s.TakenAt)
	batch := &pgx.Batch{}
	for _, p := range s.Positions {
		batch.Queue(positionInsertSQL, pgx.NamedArgs{
			"taken_at":        takenAt,
			"symbol":          p.Symbol,
			"quantity":        numericFromDecimal(p.Quantity),
			"avg_entry_price": numericFromDecimal(p.AvgEntryPrice),
			"current_price":   numericFromDecimal(p.CurrentPrice),
			"unrealized_pnl":  numericFromDecimal(p.UnrealizedPnL),
		})
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("journal: insert positions: %w", err)
	}
	return nil
}

// RecordAccount stores an account snapshot.
func (j *Journal) RecordAccount(ctx context.Context, s journal.AccountSnapshot) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	acct := s.Account
	args := pgx.NamedArgs{
		"taken_at":        timestampOrNow(s.TakenAt),
		"account_id":      nullableString(acct.ID),
		"equity":          numericFromDecimal(acct.Equity),
		"last_equity":     numericFromDecimal(acct.LastEquity),
		"cash":            numericFromDecimal(acct.Cash),
		"buying_power":    numericFromDecimal(acct.BuyingPower),
		"daily_pnl":       numericFromDecimal(s.DailyPnL),
		"trading_blocked": acct.Blocked(),
	}
	if _, err := pool.Exec(ctx, accountInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert account: %w", err)
	}
	return nil
}

// RecordAudit stores a controller audit entry.
func (j *Journal) RecordAudit(ctx context.Context, a journal.Audit) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(a.Action) == "" {
		return fmt.Errorf("journal: audit action required")
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	details, err := encodeJSON(a.Details)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":          a.ID,
		"recorded_at": timestampOrNow(a.RecordedAt),
		"action":      strings.TrimSpace(a.Action),
		"from_state":  nullableString(a.FromState),
		"to_state":    nullableString(a.ToState),
		"actor":       nullableString(a.Actor),
		"details":     details,
	}
	if _, err := pool.Exec(ctx, auditInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert audit: %w", err)
	}
	return nil
}

// RecordPreflight stores a checklist outcome.
func (j *Journal) RecordPreflight(ctx context.Context, p journal.Preflight) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	checks, err := encodeJSON(p.Checks)
	if err != nil {
		return err
	}
	failures := p.Failures
	if failures == nil {
		failures = []string{}
	}
	args := pgx.NamedArgs{
		"id":          p.ID,
		"recorded_at": timestampOrNow(p.RecordedAt),
		"passed":      p.Passed,
		"checks":      checks,
		"failures":    failures,
	}
	if _, err := pool.Exec(ctx, preflightInsertSQL, args); err != nil {
		return fmt.Errorf("journal: insert preflight: %w", err)
	}
	return nil
}

// RecentAudits returns the newest audit entries first.
func (j *Journal) RecentAudits(ctx context.Context, limit int) ([]journal.Audit, error) {
	pool, err := j.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, auditSelectSQL, clampLimit(limit, defaultAuditLimit, maxAuditLimit))
	if err != nil {
		return nil, fmt.Errorf("journal: list audit: %w", err)
	}
	defer rows.Close()

	var out []journal.Audit
	for rows.Next() {
		var (
			entry     journal.Audit
			fromState sql.NullString
			toState   sql.NullString
			actor     sql.NullString
			details   []byte
		)
		if err := rows.Scan(&entry.ID, &entry.RecordedAt, &entry.Action, &fromState, &toState, &actor, &details); err != nil {
			return nil, fmt.Errorf("journal: scan audit: %w", err)
		}
		entry.FromState = fromState.String
		entry.ToState = toState.String
		entry.Actor = actor.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("journal: decode audit details: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterate audit: %w", err)
	}
	return out, nil
}

// Ping verifies the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	pool, err := j.ensurePool()
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

func encodeJSON[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("journal: encode json: %w", err)
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func timestampOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
