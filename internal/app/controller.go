package app

import (
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/controller"
	"github.com/coachpo/livecore/internal/scheduler"
	"github.com/coachpo/livecore/internal/telemetry"
)

// ControllerConfig maps the controller section onto controller thresholds. Unset values
// fall back to the controller defaults.
func ControllerConfig(c config.ControllerConfig) controller.Config {
	cfg := controller.DefaultConfig()
	if c.Actor != "" {
		cfg.Actor = c.Actor
	}
	if c.MinCapital.IsPositive() {
		cfg.MinCapital = c.MinCapital
	}
	if c.MaxBarAge > 0 {
		cfg.MaxBarAge = c.MaxBarAge
	}
	if c.MinShadowDuration > 0 {
		cfg.MinShadowDuration = c.MinShadowDuration
	}
	if c.MinCanarySuccess > 0 {
		cfg.MinCanarySuccess = c.MinCanarySuccess
	}
	if c.CanaryDailyTrades > 0 {
		cfg.CanaryDailyTrades = c.CanaryDailyTrades
	}
	if len(c.CanarySymbols) > 0 {
		cfg.CanarySymbols = c.CanarySymbols
	}
	if c.CatastrophicLoss.IsNegative() {
		cfg.CatastrophicLoss = c.CatastrophicLoss
	}
	if c.ShadowInterval > 0 {
		cfg.ShadowInterval = c.ShadowInterval
	}
	if c.CanaryInterval > 0 {
		cfg.CanaryInterval = c.CanaryInterval
	}
	if c.ProductionInterval > 0 {
		cfg.ProductionInterval = c.ProductionInterval
	}
	if c.StoreTimeout > 0 {
		cfg.StoreTimeout = c.StoreTimeout
	}
	return cfg
}

// BuildController assembles the rollout controller over the shared backends. The caller
// starts the scheduler and the controller.
func BuildController(cfg config.AppConfig, b *Backends, sched *scheduler.Scheduler, logger *zap.Logger, metrics *telemetry.ControllerMetrics) (*controller.Controller, error) {
	return controller.New(ControllerConfig(cfg.Controller), b.Store, b.Bus,
		controller.WithLogger(logger),
		controller.WithJournal(b.Journal),
		controller.WithNotifier(b.Notifier),
		controller.WithScheduler(sched),
		controller.WithMetrics(metrics),
	)
}
