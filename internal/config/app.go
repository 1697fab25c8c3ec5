// Package config loads the livecore configuration with precedence defaults, then YAML,
// then environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/livecore/internal/marketdata"
	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/schema"
)

// Environment variables read by Load.
const (
	EnvConfigPath   = "LIVECORE_CONFIG"
	EnvEnvironment  = "LIVECORE_ENV"
	EnvAlpacaKey    = "ALPACA_API_KEY"
	EnvAlpacaSecret = "ALPACA_SECRET_KEY"
	EnvDatabaseDSN  = "LIVECORE_DATABASE_DSN"
	EnvRedisAddr    = "LIVECORE_REDIS_ADDR"
	EnvRedisPass    = "LIVECORE_REDIS_PASSWORD"
	EnvLogLevel     = "LIVECORE_LOG_LEVEL"
)

// Load loads the configuration with precedence: defaults → YAML → env vars. A missing file
// is not an error; the defaults describe a paper-trading engine on in-memory backends.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := Default()

	yamlErr := cfg.loadYAML(ctx, configPath)
	if yamlErr != nil && !errors.Is(yamlErr, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", yamlErr)
	}

	cfg.loadEnv()

	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Engine: EngineConfig{
			ID:                    "engine-1",
			CanaryMaxQty:          decimal.NewFromInt(10),
			IOTimeout:             10 * time.Second,
			ShutdownTimeout:       10 * time.Second,
			HeartbeatInterval:     30 * time.Second,
			ReconcileInterval:     time.Minute,
			PendingOrderTTL:       time.Hour,
			AccountInterval:       time.Minute,
			MarketHoursInterval:   time.Minute,
			StrategyTimerInterval: time.Minute,
			RouteWorkers:          8,
			RouteQueue:            256,
		},
		Risk: risk.DefaultLimits(),
		MarketData: MarketDataConfig{
			Source:      KindNone,
			HistorySize: 500,
		},
		Broker: BrokerConfig{
			Kind:      KindPaper,
			PaperCash: decimal.NewFromInt(100000),
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Bus: BusConfig{
			Kind:       KindMemory,
			Channel:    "engine:commands",
			BufferSize: 64,
		},
		Store:    StoreConfig{Kind: KindMemory},
		Database: DatabaseConfig{MaxConns: 4},
		Controller: ControllerConfig{
			Actor:              "controller",
			MinCapital:         decimal.NewFromInt(25000),
			MaxBarAge:          time.Minute,
			MinShadowDuration:  24 * time.Hour,
			MinCanarySuccess:   0.8,
			CanaryDailyTrades:  3,
			CanarySymbols:      []string{"SPY"},
			CatastrophicLoss:   decimal.NewFromInt(-1000),
			ShadowInterval:     time.Minute,
			CanaryInterval:     30 * time.Second,
			ProductionInterval: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "livecore",
			EnableMetrics: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = "config/app.yaml"
	}

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	doc := appConfigYAML{
		Environment: string(c.Environment),
		Engine:      c.Engine,
		Risk:        c.Risk,
		Sectors:     c.Sectors,
		Strategies:  c.Strategies,
		MarketData:  c.MarketData,
		Broker:      c.Broker,
		Redis:       c.Redis,
		Bus:         c.Bus,
		Store:       c.Store,
		Database:    c.Database,
		Controller:  c.Controller,
		Alerts:      c.Alerts,
		Telemetry:   c.Telemetry,
		Logging:     c.Logging,
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	c.Environment = Environment(strings.ToLower(strings.TrimSpace(doc.Environment)))
	c.Engine = doc.Engine
	c.Risk = doc.Risk
	c.Sectors = doc.Sectors
	c.Strategies = doc.Strategies
	c.MarketData = doc.MarketData
	c.Broker = doc.Broker
	c.Redis = doc.Redis
	c.Bus = doc.Bus
	c.Store = doc.Store
	c.Database = doc.Database
	c.Controller = doc.Controller
	c.Alerts = doc.Alerts
	c.Telemetry = doc.Telemetry
	c.Logging = doc.Logging
	return nil
}

// loadEnv applies environment overrides. Secrets are only ever read from here.
func (c *AppConfig) loadEnv() {
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv(EnvAlpacaKey)); v != "" {
		c.Broker.KeyID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAlpacaSecret)); v != "" {
		c.Broker.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPass); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
}

// Validate normalises backend kinds and reports the first inconsistency.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}

	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	c.Broker.Kind = normalizeKind(c.Broker.Kind)
	switch c.Broker.Kind {
	case KindPaper:
		if !c.Broker.PaperCash.IsPositive() {
			return fmt.Errorf("broker paperCash must be >0")
		}
	case KindAlpaca:
		if c.Broker.KeyID == "" || c.Broker.SecretKey == "" {
			return fmt.Errorf("broker alpaca requires %s and %s", EnvAlpacaKey, EnvAlpacaSecret)
		}
	default:
		return fmt.Errorf("unsupported broker kind %q", c.Broker.Kind)
	}

	c.MarketData.Source = normalizeKind(c.MarketData.Source)
	switch c.MarketData.Source {
	case KindNone, "":
		c.MarketData.Source = KindNone
	case KindAlpaca:
		if c.Broker.KeyID == "" || c.Broker.SecretKey == "" {
			return fmt.Errorf("marketData alpaca requires %s and %s", EnvAlpacaKey, EnvAlpacaSecret)
		}
	default:
		return fmt.Errorf("unsupported marketData source %q", c.MarketData.Source)
	}

	c.Bus.Kind = normalizeKind(c.Bus.Kind)
	c.Store.Kind = normalizeKind(c.Store.Kind)
	for name, kind := range map[string]string{"bus": c.Bus.Kind, "store": c.Store.Kind} {
		switch kind {
		case KindMemory:
		case KindRedis:
			if strings.TrimSpace(c.Redis.Addr) == "" {
				return fmt.Errorf("%s redis requires redis.addr", name)
			}
		default:
			return fmt.Errorf("unsupported %s kind %q", name, kind)
		}
	}
	if c.Bus.Kind == KindRedis && strings.TrimSpace(c.Bus.Channel) == "" {
		return fmt.Errorf("bus channel required")
	}

	if c.Database.AutoMigrate && c.Database.DSN == "" {
		return fmt.Errorf("database autoMigrate requires %s", EnvDatabaseDSN)
	}

	if c.Controller.MinCanarySuccess < 0 || c.Controller.MinCanarySuccess > 1 {
		return fmt.Errorf("controller minCanarySuccess must be within [0,1]")
	}
	if c.Controller.CatastrophicLoss.IsPositive() {
		return fmt.Errorf("controller catastrophicLoss must not be positive")
	}

	for i, w := range c.Alerts.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("alerts webhook %d: url required", i)
		}
	}

	return c.validateStrategies()
}

func (c *AppConfig) validateStrategies() error {
	seen := make(map[string]struct{}, len(c.Strategies))
	for i := range c.Strategies {
		s := &c.Strategies[i]
		s.Kind = normalizeKind(s.Kind)
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("strategy %d: name required", i)
		}
		key := strings.ToLower(s.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("strategy %q declared twice", s.Name)
		}
		seen[key] = struct{}{}

		switch s.Kind {
		case StrategyMomentum:
		case StrategyJS:
			if strings.TrimSpace(s.Script) == "" {
				return fmt.Errorf("strategy %q: script required", s.Name)
			}
		default:
			return fmt.Errorf("strategy %q: unsupported kind %q", s.Name, s.Kind)
		}

		if s.Mode == "" {
			s.Mode = string(schema.ModeShadow)
		}
		if _, err := schema.ParseStrategyMode(s.Mode); err != nil {
			return fmt.Errorf("strategy %q: %w", s.Name, err)
		}
		if s.Timeframe == "" {
			s.Timeframe = "1m"
		}
		if _, err := marketdata.ParseTimeframe(s.Timeframe); err != nil {
			return fmt.Errorf("strategy %q: %w", s.Name, err)
		}
		for j, sym := range s.Symbols {
			s.Symbols[j] = strings.ToUpper(strings.TrimSpace(sym))
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("strategy %q: at least one symbol required", s.Name)
		}
	}
	return nil
}

// FeedSymbols is the union of every strategy's symbols, in declaration order.
func (c AppConfig) FeedSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range c.Strategies {
		for _, sym := range s.Symbols {
			if _, ok := seen[sym]; ok {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	addCandidate("config/app.yaml")

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open app config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open app config: %w", lastErr)
}
