// Package app assembles livecore components from the loaded configuration. Both the
// engine and controller binaries share the backends built here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/bus/controlbus"
	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/infra/persistence/migrations"
	"github.com/coachpo/livecore/internal/journal"
	"github.com/coachpo/livecore/internal/journal/postgres"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/statestore"
)

// Backends are the shared stores and channels one process talks through.
type Backends struct {
	Store    statestore.Store
	Bus      controlbus.Bus
	Journal  journal.Journal
	Notifier notify.Notifier

	redis  *redis.Client
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// OpenBackends connects the store, bus, journal and alert channels selected by cfg. On
// error every backend opened so far is closed.
func OpenBackends(ctx context.Context, cfg config.AppConfig, logger *zap.Logger) (_ *Backends, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backends{logger: logger}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Bus.Kind == config.KindRedis || cfg.Store.Kind == config.KindRedis {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.Store.Kind {
	case config.KindRedis:
		b.Store = statestore.NewRedis(b.redis)
	default:
		b.Store = statestore.NewMemory(nil)
	}
	switch cfg.Bus.Kind {
	case config.KindRedis:
		b.Bus = controlbus.NewRedisBus(b.redis, controlbus.RedisConfig{
			Channel:    cfg.Bus.Channel,
			BufferSize: cfg.Bus.BufferSize,
		}, logger)
	default:
		b.Bus = controlbus.NewMemoryBus(controlbus.MemoryConfig{BufferSize: cfg.Bus.BufferSize})
	}

	b.Journal, err = b.openJournal(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	b.Notifier, err = buildNotifier(cfg.Alerts, logger)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backends) openJournal(ctx context.Context, cfg config.DatabaseConfig) (journal.Journal, error) {
	if cfg.DSN == "" {
		b.logger.Warn("no database configured, journal disabled")
		return journal.Nop{}, nil
	}
	if cfg.AutoMigrate {
		if err := migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, b.logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	b.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := b.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.ObservePoolMetrics(b.pool, "journal"); err != nil {
		b.logger.Warn("register pool metrics failed", zap.Error(err))
	}
	return postgres.New(b.pool), nil
}

func buildNotifier(cfg config.AlertsConfig, logger *zap.Logger) (notify.Notifier, error) {
	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Add("log", notify.NewLogNotifier(logger), notify.SeverityInfo)
	for i, hook := range cfg.Webhooks {
		min, err := notify.ParseSeverity(hook.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("alerts webhook %d: %w", i, err)
		}
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{URL: hook.URL, Format: hook.Format}, nil)
		if err != nil {
			return nil, fmt.Errorf("alerts webhook %d: %w", i, err)
		}
		name := hook.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		dispatcher.Add(name, n, min)
	}
	return dispatcher, nil
}

// Close releases every backend. It is safe on a partially opened set.
func (b *Backends) Close() {
	if b.Bus != nil {
		b.Bus.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			b.logger.Warn("close redis failed", zap.Error(err))
		}
	}
}
