package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/livecore/internal/telemetry"
)

// ObservePoolMetrics registers observable gauges reporting journal pool usage.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) error {
	if pool == nil {
		return nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "journal"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("livecore.journal")
	_, err := meter.Int64ObservableGauge("livecore_db_pool_connections",
		metric.WithDescription("Journal pool connections by state"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.IdleConns()), attrs, metric.WithAttributes(attribute.String("state", "idle")))
			observer.Observe(int64(stat.AcquiredConns()), attrs, metric.WithAttributes(attribute.String("state", "acquired")))
			observer.Observe(int64(stat.ConstructingConns()), attrs, metric.WithAttributes(attribute.String("state", "constructing")))
			return nil
		}),
	)
	return err
}
