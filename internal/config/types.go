package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/internal/risk"
	"github.com/coachpo/livecore/internal/strategy/momentum"
)

// Environment identifies the runtime environment where livecore operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Backend kinds shared by the broker, bus and store sections.
const (
	KindMemory = "memory"
	KindRedis  = "redis"
	KindPaper  = "paper"
	KindAlpaca = "alpaca"
	KindNone   = "none"
)

// Strategy kinds.
const (
	StrategyMomentum = "momentum"
	StrategyJS       = "js"
)

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

// EngineConfig configures the execution engine.
type EngineConfig struct {
	ID                    string          `yaml:"id"`
	TradingEnabled        bool            `yaml:"tradingEnabled"`
	CanaryMaxQty          decimal.Decimal `yaml:"canaryMaxQty"`
	MaxExposure           decimal.Decimal `yaml:"maxExposure"`
	AllowedSymbols        []string        `yaml:"allowedSymbols"`
	IOTimeout             time.Duration   `yaml:"ioTimeout"`
	ShutdownTimeout       time.Duration   `yaml:"shutdownTimeout"`
	HeartbeatInterval     time.Duration   `yaml:"heartbeatInterval"`
	ReconcileInterval     time.Duration   `yaml:"reconcileInterval"`
	PendingOrderTTL       time.Duration   `yaml:"pendingOrderTTL"`
	AccountInterval       time.Duration   `yaml:"accountInterval"`
	MarketHoursInterval   time.Duration   `yaml:"marketHoursInterval"`
	StrategyTimerInterval time.Duration   `yaml:"strategyTimerInterval"`
	RouteWorkers          int             `yaml:"routeWorkers"`
	RouteQueue            int             `yaml:"routeQueue"`
}

// StrategyConfig declares one registered strategy.
type StrategyConfig struct {
	Name      string           `yaml:"name"`
	Kind      string           `yaml:"kind"`
	Mode      string           `yaml:"mode"`
	Symbols   []string         `yaml:"symbols"`
	Timeframe string           `yaml:"timeframe"`
	Script    string           `yaml:"script"`
	Params    map[string]any   `yaml:"params"`
	Momentum  *momentum.Config `yaml:"momentum"`
}

// MarketDataConfig configures the bar feed. Bars adds upstream minute bars to the trade subscription.
type MarketDataConfig struct {
	Source      string `yaml:"source"`
	URL         string `yaml:"url"`
	HistorySize int    `yaml:"historySize"`
	Bars        bool   `yaml:"bars"`
}

// BrokerConfig selects the order gateway. Credentials come from the environment.
type BrokerConfig struct {
	Kind          string          `yaml:"kind"`
	BaseURL       string          `yaml:"baseURL"`
	Timeout       time.Duration   `yaml:"timeout"`
	RateLimit     float64         `yaml:"rateLimit"`
	Burst         int             `yaml:"burst"`
	MaxTries      uint            `yaml:"maxTries"`
	PaperCash     decimal.Decimal `yaml:"paperCash"`
	KeyID         string          `yaml:"-"`
	SecretKey     string          `yaml:"-"`
	MaxOrderValue decimal.Decimal `yaml:"maxOrderValue"`
}

// RedisConfig is the shared Redis connection used by the redis bus and store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// BusConfig selects the command bus.
type BusConfig struct {
	Kind       string `yaml:"kind"`
	Channel    string `yaml:"channel"`
	BufferSize int    `yaml:"bufferSize"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Kind string `yaml:"kind"`
}

// DatabaseConfig configures the Postgres journal. An empty DSN disables it.
type DatabaseConfig struct {
	DSN           string `yaml:"-"`
	MigrationsDir string `yaml:"migrationsDir"`
	AutoMigrate   bool   `yaml:"autoMigrate"`
	MaxConns      int32  `yaml:"maxConns"`
}

// ControllerConfig holds rollout thresholds.
type ControllerConfig struct {
	Actor              string          `yaml:"actor"`
	MinCapital         decimal.Decimal `yaml:"minCapital"`
	MaxBarAge          time.Duration   `yaml:"maxBarAge"`
	MinShadowDuration  time.Duration   `yaml:"minShadowDuration"`
	MinCanarySuccess   float64         `yaml:"minCanarySuccess"`
	CanaryDailyTrades  int             `yaml:"canaryDailyTrades"`
	CanarySymbols      []string        `yaml:"canarySymbols"`
	CatastrophicLoss   decimal.Decimal `yaml:"catastrophicLoss"`
	ShadowInterval     time.Duration   `yaml:"shadowInterval"`
	CanaryInterval     time.Duration   `yaml:"canaryInterval"`
	ProductionInterval time.Duration   `yaml:"productionInterval"`
	StoreTimeout       time.Duration   `yaml:"storeTimeout"`
}

// WebhookConfig is one alert channel.
type WebhookConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Format      string `yaml:"format"`
	MinSeverity string `yaml:"minSeverity"`
}

// AlertsConfig lists alert channels in addition to the log.
type AlertsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified livecore configuration.
type AppConfig struct {
	Environment Environment
	Engine      EngineConfig
	Risk        risk.Limits
	Sectors     map[string]string
	Strategies  []StrategyConfig
	MarketData  MarketDataConfig
	Broker      BrokerConfig
	Redis       RedisConfig
	Bus         BusConfig
	Store       StoreConfig
	Database    DatabaseConfig
	Controller  ControllerConfig
	Alerts      AlertsConfig
	Telemetry   TelemetryConfig
	Logging     LoggingConfig
}

// appConfigYAML is the YAML representation that maps to AppConfig. It is seeded with the
// defaults before decoding, so keys left out of the file keep their default values.
type appConfigYAML struct {
	Environment string            `yaml:"environment"`
	Engine      EngineConfig      `yaml:"engine"`
	Risk        risk.Limits       `yaml:"risk"`
	Sectors     map[string]string `yaml:"sectors"`
	Strategies  []StrategyConfig  `yaml:"strategies"`
	MarketData  MarketDataConfig  `yaml:"marketData"`
	Broker      BrokerConfig      `yaml:"broker"`
	Redis       RedisConfig       `yaml:"redis"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Database    DatabaseConfig    `yaml:"database"`
	Controller  ControllerConfig  `yaml:"controller"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}
