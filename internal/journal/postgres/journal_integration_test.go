//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/livecore/internal/infra/persistence/migrations"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/schema"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "livecore"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/livecore?sslmode=disable", host, port.Port())

	var applyErr error
	for attempt := 0; attempt < 10; attempt++ {
		if applyErr = migrations.Apply(ctx, dsn, "", nil); applyErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if applyErr != nil {
		t.Fatalf("apply migrations: %v", applyErr)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgx pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestJournalRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	j := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := j.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	limit := decimal.NewFromInt(400)
	intent := schema.OrderIntent{Symbol: "SPY", Side: schema.SideBuy, Type: schema.OrderTypeLimit, Quantity: decimal.NewFromInt(5), LimitPrice: &limit, Strategy: "alpha"}
	if err := j.RecordSignal(ctx, journal.Signal{RecordedAt: now, Intent: intent, Mode: schema.ModeShadow, Outcome: "shadowed"}); err != nil {
		t.Fatalf("record signal: %v", err)
	}

	result := schema.OrderResult{ID: "b-1", ClientOrderID: "alpha_SPY_1", Symbol: "SPY", Side: schema.SideBuy, Status: schema.OrderStatusAccepted, Quantity: decimal.NewFromInt(5), SubmittedAt: now}
	if err := j.RecordOrder(ctx, journal.Order{Strategy: "alpha", Mode: schema.ModeEnabled, Requested: decimal.NewFromInt(5), Result: result}); err != nil {
		t.Fatalf("record order: %v", err)
	}
	result.Status = schema.OrderStatusFilled
	result.FilledQty = decimal.NewFromInt(5)
	result.FilledAvgPrice = decimal.RequireFromString("399.5")
	if err := j.RecordOrder(ctx, journal.Order{Strategy: "alpha", Mode: schema.ModeEnabled, Requested: decimal.NewFromInt(5), Result: result}); err != nil {
		t.Fatalf("upsert order: %v", err)
	}
	var status string
	if err := pool.QueryRow(ctx, "SELECT status FROM journal_orders WHERE client_order_id = $1", "alpha_SPY_1").Scan(&status); err != nil {
		t.Fatalf("query order: %v", err)
	}
	if status != "filled" {
		t.Fatalf("expected upserted status filled, got %s", status)
	}

	positions := []schema.Position{{Symbol: "SPY", Quantity: decimal.NewFromInt(5), AvgEntryPrice: decimal.NewFromInt(399), CurrentPrice: decimal.NewFromInt(401), UnrealizedPnL: decimal.NewFromInt(10)}}
	if err := j.RecordPositions(ctx, journal.PositionSnapshot{TakenAt: now, Positions: positions}); err != nil {
		t.Fatalf("record positions: %v", err)
	}
	if err := j.RecordAccount(ctx, journal.AccountSnapshot{TakenAt: now, Account: schema.Account{ID: "acct", Equity: decimal.NewFromInt(100000)}, DailyPnL: decimal.NewFromInt(-5)}); err != nil {
		t.Fatalf("record account: %v", err)
	}
	if err := j.RecordPreflight(ctx, journal.Preflight{RecordedAt: now, Passed: false, Checks: map[string]bool{"api_connection": false}, Failures: []string{"api_connection"}}); err != nil {
		t.Fatalf("record preflight: %v", err)
	}
	if err := j.RecordAudit(ctx, journal.Audit{RecordedAt: now, Action: "emergency_stop", FromState: "live", ToState: "emergency_stop", Details: map[string]string{"reason": "test"}}); err != nil {
		t.Fatalf("record audit: %v", err)
	}
	audits, err := j.RecentAudits(ctx, 5)
	if err != nil {
		t.Fatalf("recent audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Details["reason"] != "test" || audits[0].ToState != "emergency_stop" {
		t.Fatalf("unexpected audits %+v", audits)
	}
}
