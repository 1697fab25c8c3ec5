// Command engine runs the livecore execution engine: market data in, risk-checked orders
// out, steered by commands on the control bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/app"
	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/observability"
	"github.com/coachpo/livecore/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	engineShutdownTimeout    = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	backendShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger(observability.Options{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
		Name:   "engine",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.String("broker", appCfg.Broker.Kind),
		zap.String("bus", appCfg.Bus.Kind),
		zap.Int("strategies", len(appCfg.Strategies)))

	telemetryProvider, err := app.InitTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatal("initialize telemetry", zap.Error(err))
	}

	backends, err := app.OpenBackends(ctx, appCfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}

	rt, err := app.BuildEngine(ctx, appCfg, backends, logger, telemetry.NewEngineMetrics())
	if err != nil {
		backends.Close()
		logger.Fatal("build engine", zap.Error(err))
	}
	if err := rt.Engine.Start(ctx); err != nil {
		backends.Close()
		logger.Fatal("start engine", zap.Error(err))
	}

	var lifecycle conc.WaitGroup
	startFeed(ctx, &lifecycle, logger, rt)

	logger.Info("engine started; awaiting shutdown signal", zap.String("mode", rt.Engine.Mode()))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		runtime:    rt,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		backends:   backends,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func startFeed(ctx context.Context, lifecycle *conc.WaitGroup, logger *zap.Logger, rt *app.EngineRuntime) {
	if rt.Feed == nil {
		logger.Warn("no market data source configured")
		return
	}
	lifecycle.Go(func() {
		if err := rt.Feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("market data feed stopped", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	runtime    *app.EngineRuntime
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	backends   *app.Backends
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", zap.String("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		} else {
			logger.Info("shutdown step completed", zap.String("step", name))
		}
	}

	if cfg.runtime != nil {
		shutdownStep("stopping engine", engineShutdownTimeout, cfg.runtime.Engine.Stop)
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.backends != nil {
		shutdownStep("closing backends", backendShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrTimeout(stepCtx, cfg.backends.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func waitOrTimeout(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
