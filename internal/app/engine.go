package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/engine"
	"github.com/coachpo/livecore/internal/gateway"
	alpacagw "github.com/coachpo/livecore/internal/gateway/alpaca"
	"github.com/coachpo/livecore/internal/gateway/paper"
	"github.com/coachpo/livecore/internal/marketdata"
	alpacafeed "github.com/coachpo/livecore/internal/marketdata/alpaca"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/strategy"
	"github.com/coachpo/livecore/internal/strategy/js"
	"github.com/coachpo/livecore/internal/strategy/momentum"
	"github.com/coachpo/livecore/internal/telemetry"
)

// EngineRuntime is an assembled engine plus the market data plumbing feeding it.
type EngineRuntime struct {
	Engine *engine.Engine
	Market *marketdata.Handler
	Feed   *alpacafeed.Stream
}

// BuildEngine wires the gateway, risk manager and strategies declared in cfg into an
// engine. The engine is not started.
func BuildEngine(ctx context.Context, cfg config.AppConfig, b *Backends, logger *zap.Logger, metrics *telemetry.EngineMetrics) (*EngineRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	market := marketdata.NewHandler(
		marketdata.WithHistorySize(cfg.MarketData.HistorySize),
		marketdata.WithLogger(logger),
	)

	riskMgr, err := risk.NewManager(cfg.Risk,
		risk.WithLogger(logger),
		risk.WithPriceSource(market),
		risk.WithSectors(cfg.Sectors),
	)
	if err != nil {
		return nil, fmt.Errorf("risk manager: %w", err)
	}

	gw, err := buildGateway(cfg.Broker, market, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engineConfig(cfg.Engine), engine.Deps{
		Gateway:    gw,
		Risk:       riskMgr,
		Strategies: strategy.NewRegistry(),
		Market:     market,
		Store:      b.Store,
		Bus:        b.Bus,
		Journal:    b.Journal,
		Notifier:   b.Notifier,
	}, engine.WithLogger(logger), engine.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	for _, sc := range cfg.Strategies {
		if err := addStrategy(ctx, eng, sc, logger); err != nil {
			return nil, err
		}
	}

	rt := &EngineRuntime{Engine: eng, Market: market}
	if cfg.MarketData.Source == config.KindAlpaca {
		rt.Feed, err = alpacafeed.New(alpacafeed.Config{
			URL:       cfg.MarketData.URL,
			KeyID:     cfg.Broker.KeyID,
			SecretKey: cfg.Broker.SecretKey,
			Symbols:   cfg.FeedSymbols(),
			Bars:      cfg.MarketData.Bars,
		}, market, logger)
		if err != nil {
			return nil, fmt.Errorf("market data feed: %w", err)
		}
	}
	return rt, nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		ID:                    c.ID,
		TradingEnabled:        c.TradingEnabled,
		CanaryMaxQty:          c.CanaryMaxQty,
		MaxExposure:           c.MaxExposure,
		AllowedSymbols:        c.AllowedSymbols,
		IOTimeout:             c.IOTimeout,
		ShutdownTimeout:       c.ShutdownTimeout,
		HeartbeatInterval:     c.HeartbeatInterval,
		ReconcileInterval:     c.ReconcileInterval,
		PendingOrderTTL:       c.PendingOrderTTL,
		AccountInterval:       c.AccountInterval,
		MarketHoursInterval:   c.MarketHoursInterval,
		StrategyTimerInterval: c.StrategyTimerInterval,
		RouteWorkers:          c.RouteWorkers,
		RouteQueue:            c.RouteQueue,
	}
}

func buildGateway(cfg config.BrokerConfig, prices gateway.PriceSource, logger *zap.Logger) (gateway.Gateway, error) {
	var next gateway.Gateway
	switch cfg.Kind {
	case config.KindAlpaca:
		client, err := alpacagw.New(alpacagw.Config{
			BaseURL:   cfg.BaseURL,
			KeyID:     cfg.KeyID,
			SecretKey: cfg.SecretKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			MaxTries:  cfg.MaxTries,
		}, alpacagw.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("alpaca gateway: %w", err)
		}
		next = client
	default:
		next = paper.New(cfg.PaperCash, prices)
	}
	maxValue := cfg.MaxOrderValue
	return gateway.NewGuard(next,
		gateway.WithPrices(prices),
		gateway.WithMaxOrderValue(func() decimal.Decimal { return maxValue }),
		gateway.WithLogger(logger),
	), nil
}

func addStrategy(ctx context.Context, eng *engine.Engine, sc config.StrategyConfig, logger *zap.Logger) error {
	mode, err := schema.ParseStrategyMode(sc.Mode)
	if err != nil {
		return fmt.Errorf("strategy %q: %w", sc.Name, err)
	}
	timeframe, err := marketdata.ParseTimeframe(sc.Timeframe)
	if err != nil {
		return fmt.Errorf("strategy %q: %w", sc.Name, err)
	}

	var s strategy.Strategy
	switch sc.Kind {
	case config.StrategyJS:
		module, err := js.LoadFile(sc.Script)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
		s, err = js.NewStrategy(ctx, module, sc.Params, logger)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
	default:
		mc := momentumConfig(sc)
		s, err = momentum.New(mc, logger)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
	}
	if err := eng.AddStrategy(ctx, s, mode, sc.Symbols, timeframe); err != nil {
		return fmt.Errorf("strategy %q: %w", sc.Name, err)
	}
	return nil
}

// momentumConfig overlays the declared parameters on the defaults.
func momentumConfig(sc config.StrategyConfig) momentum.Config {
	mc := momentum.DefaultConfig()
	if p := sc.Momentum; p != nil {
		if p.Lookback > 0 {
			mc.Lookback = p.Lookback
		}
		if p.Threshold.IsPositive() {
			mc.Threshold = p.Threshold
		}
		if p.OrderSize.IsPositive() {
			mc.OrderSize = p.OrderSize
		}
		if p.Cooldown > 0 {
			mc.Cooldown = p.Cooldown
		}
	}
	mc.Name = sc.Name
	return mc
}
