package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/telemetry"
)

// InitTelemetry overlays the telemetry section on the OTEL environment defaults and starts
// the meter provider.
func InitTelemetry(ctx context.Context, logger *zap.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := TelemetryConfig(cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// TelemetryConfig maps the telemetry section onto the provider config.
func TelemetryConfig(cfg config.AppConfig) telemetry.Config {
	out := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		out.ServiceName = cfg.Telemetry.ServiceName
	}
	out.Enabled = cfg.Telemetry.Enabled
	out.Environment = string(cfg.Environment)
	out.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	out.EnableMetrics = cfg.Telemetry.EnableMetrics
	return out
}
