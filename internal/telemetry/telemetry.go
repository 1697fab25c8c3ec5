// Package telemetry owns the OpenTelemetry meter provider and the livecore instruments.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName        = "livecore"
	serviceVersion     = "1.0.0"
	defaultEnvironment = "development"
	defaultEndpoint    = "localhost:4318"
)

var environment atomic.Value // string

// Config selects the exporter and the resource attributes.
type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	EnableMetrics  bool
	MetricInterval time.Duration
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// DefaultConfig reads the standard OTEL_* variables. Metrics are on unless disabled.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:        os.Getenv("OTEL_ENABLED") != "false",
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", defaultEndpoint),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		EnableMetrics:  os.Getenv("OTEL_METRICS_ENABLED") != "false",
		MetricInterval: 15 * time.Second,
		ServiceName:    envOr("OTEL_SERVICE_NAME", serviceName),
		ServiceVersion: serviceVersion,
		Environment:    envOr("LIVECORE_ENV", defaultEnvironment),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Provider holds the process meter provider. A disabled provider records into the
// global no-op provider.
type Provider struct {
	mp  *sdkmetric.MeterProvider
	cfg Config
}

// NewProvider records the environment label and, when enabled, installs an OTLP/HTTP meter
// provider as the global provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)
	p := &Provider{cfg: cfg}
	if !cfg.Enabled || !cfg.EnableMetrics {
		return p, nil
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = DefaultConfig().MetricInterval
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			AttrEnvironment.String(Environment()),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithView(latencyViews()...),
	)
	otel.SetMeterProvider(p.mp)
	return p, nil
}

// Shutdown flushes pending metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Meter returns a named meter from this provider, or the global one when disabled.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.mp == nil {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

// latencyViews buckets broker round trips in milliseconds and risk checks in sub-millisecond steps.
func latencyViews() []sdkmetric.View {
	broker := sdkmetric.AggregationExplicitBucketHistogram{
		Boundaries: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}
	check := sdkmetric.AggregationExplicitBucketHistogram{
		Boundaries: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}
	view := func(name string, agg sdkmetric.Aggregation) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: agg},
		)
	}
	return []sdkmetric.View{
		view("engine.order.place.duration", broker),
		view("engine.task.duration", broker),
		view("engine.risk.check.duration", check),
	}
}

// stripScheme reduces a collector URL to the host:port the HTTP exporter expects.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

func setEnvironment(env string) {
	environment.Store(strings.ToLower(strings.TrimSpace(env)))
}

// Environment returns the environment label attached to every instrument.
func Environment() string {
	if env, _ := environment.Load().(string); env != "" {
		return env
	}
	return defaultEnvironment
}
