package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics groups the instruments recorded by the trading engine.
// A zero value records nothing.
type EngineMetrics struct {
	intents        metric.Int64Counter
	rejections     metric.Int64Counter
	commands       metric.Int64Counter
	placeDuration  metric.Float64Histogram
	riskDuration   metric.Float64Histogram
	taskDuration   metric.Float64Histogram
	taskFailures   metric.Int64Counter
	riskLevelGauge metric.Int64Gauge
}

// NewEngineMetrics registers engine instruments against the global meter provider.
func NewEngineMetrics() *EngineMetrics {
	meter := otel.Meter("engine")
	m := &EngineMetrics{}
	m.intents, _ = meter.Int64Counter("engine.intents.routed",
		metric.WithDescription("Order intents by routing outcome"),
		metric.WithUnit("{intent}"))
	m.rejections, _ = meter.Int64Counter("engine.risk.rejections",
		metric.WithDescription("Order intents rejected by the risk manager"),
		metric.WithUnit("{intent}"))
	m.commands, _ = meter.Int64Counter("engine.commands.applied",
		metric.WithDescription("Command bus messages handled"),
		metric.WithUnit("{command}"))
	m.placeDuration, _ = meter.Float64Histogram("engine.order.place.duration",
		metric.WithDescription("Latency of order gateway submissions"),
		metric.WithUnit("ms"))
	m.riskDuration, _ = meter.Float64Histogram("engine.risk.check.duration",
		metric.WithDescription("Latency of risk checks"),
		metric.WithUnit("ms"))
	m.taskDuration, _ = meter.Float64Histogram("engine.task.duration",
		metric.WithDescription("Duration of scheduled task runs"),
		metric.WithUnit("ms"))
	m.taskFailures, _ = meter.Int64Counter("engine.task.failures",
		metric.WithDescription("Scheduled task runs that returned an error or panicked"),
		metric.WithUnit("{run}"))
	m.riskLevelGauge, _ = meter.Int64Gauge("engine.risk.score",
		metric.WithDescription("Risk score derived from the current risk level"),
		metric.WithUnit("1"))
	return m
}

// RecordRoute counts one routed intent.
func (m *EngineMetrics) RecordRoute(ctx context.Context, strategy, mode, symbol, outcome string) {
	if m == nil || m.intents == nil {
		return
	}
	m.intents.Add(ctx, 1, metric.WithAttributes(RouteAttributes(strategy, mode, symbol, outcome)...))
}

// RecordRejection counts a risk rejection with its reason class.
func (m *EngineMetrics) RecordRejection(ctx context.Context, symbol, reason string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
		AttrReason.String(reason)))
}

// RecordCommand counts a handled command.
func (m *EngineMetrics) RecordCommand(ctx context.Context, command, result string) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrCommandType.String(command),
		AttrResult.String(result)))
}

// RecordPlace records gateway submission latency.
func (m *EngineMetrics) RecordPlace(ctx context.Context, symbol, status string, elapsed time.Duration) {
	if m == nil || m.placeDuration == nil {
		return
	}
	m.placeDuration.Record(ctx, millis(elapsed), metric.WithAttributes(
		AttrSymbol.String(symbol),
		AttrOrderStatus.String(status)))
}

// RecordRiskCheck records risk evaluation latency.
func (m *EngineMetrics) RecordRiskCheck(ctx context.Context, elapsed time.Duration) {
	if m == nil || m.riskDuration == nil {
		return
	}
	m.riskDuration.Record(ctx, millis(elapsed))
}

// RecordTask records one scheduled task run.
func (m *EngineMetrics) RecordTask(ctx context.Context, task string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if m.taskFailures != nil {
			m.taskFailures.Add(ctx, 1, metric.WithAttributes(TaskAttributes(task, result)...))
		}
	}
	if m.taskDuration != nil {
		m.taskDuration.Record(ctx, millis(elapsed), metric.WithAttributes(TaskAttributes(task, result)...))
	}
}

// RecordRiskScore publishes the current risk score.
func (m *EngineMetrics) RecordRiskScore(ctx context.Context, score int, halted bool) {
	if m == nil || m.riskLevelGauge == nil {
		return
	}
	m.riskLevelGauge.Record(ctx, int64(score), metric.WithAttributes(attribute.Bool("halted", halted)))
}

// ControllerMetrics groups production controller instruments.
type ControllerMetrics struct {
	transitions    metric.Int64Counter
	emergencyStops metric.Int64Counter
}

// NewControllerMetrics registers controller instruments.
func NewControllerMetrics() *ControllerMetrics {
	meter := otel.Meter("controller")
	m := &ControllerMetrics{}
	m.transitions, _ = meter.Int64Counter("controller.state.transitions",
		metric.WithDescription("Rollout state transitions"),
		metric.WithUnit("{transition}"))
	m.emergencyStops, _ = meter.Int64Counter("controller.emergency_stops",
		metric.WithDescription("Emergency stops issued"),
		metric.WithUnit("{stop}"))
	return m
}

// RecordTransition counts a state change.
func (m *ControllerMetrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		attribute.String("from", from),
		AttrState.String(to)))
}

// RecordEmergencyStop counts an emergency stop.
func (m *ControllerMetrics) RecordEmergencyStop(ctx context.Context, flatten bool) {
	if m == nil || m.emergencyStops == nil {
		return
	}
	m.emergencyStops.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		attribute.Bool("flatten", flatten)))
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
