package main

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/snow-ghost/usagemeter/pkg/audit"
	"github.com/snow-ghost/usagemeter/pkg/cache"
	"github.com/snow-ghost/usagemeter/pkg/config"
	"github.com/snow-ghost/usagemeter/pkg/engine"
	"github.com/snow-ghost/usagemeter/pkg/observability"
	"github.com/snow-ghost/usagemeter/pkg/store"
	"github.com/spf13/cobra"
)

// runtime is the wired service shared by all commands
type runtime struct {
	cfg    *config.Config
	path   string
	obs    *observability.Manager
	audit  *audit.Recorder
	engine *engine.Engine
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flag, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(flag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

// newRuntime builds the store, cache and engine described by cfg and warms
// the running totals from the store.
func newRuntime(ctx context.Context, cfg *config.Config, path string) (*runtime, error) {
	obs, err := observability.NewManager(observability.Config{
		Logging: cfg.Logging,
		Tracing: cfg.Tracing,
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}
	logger := obs.Logger()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	es, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	cm, err := openCache(cfg, obs)
	if err != nil {
		_ = es.Close()
		return nil, err
	}

	recorder := audit.NewRecorder(audit.DefaultRecorderLimit)
	eng, err := engine.New(es, cm,
		engine.WithLocation(loc),
		engine.WithClockSkew(cfg.ClockSkew),
		engine.WithPriceTable(cfg.PriceTable()),
		engine.WithNotifier(audit.Multi{audit.NewLogNotifier(logger.Zap()), recorder}),
		engine.WithObservability(obs),
		engine.WithAlertRules(cfg.Alerts.Rules),
		engine.WithHistoryLimit(cfg.Alerts.HistoryLimit),
	)
	if err != nil {
		_ = cm.Close()
		_ = es.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	n, err := eng.Warm(ctx)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	logger.Debug("Runtime ready", "store", cfg.Store.Driver, "cache", cfg.Cache.Backend, "records", n)

	return &runtime{cfg: cfg, path: path, obs: obs, audit: recorder, engine: eng}, nil
}

func openStore(cfg config.StoreConfig) (store.EventStore, error) {
	switch cfg.Driver {
	case "sqlite":
		es, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return es, nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openCache(cfg *config.Config, obs *observability.Manager) (*cache.Manager, error) {
	policy := cfg.Cache.Policy

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		backend = cache.NewRedisCache(client, cfg.Cache.Redis.Prefix)
	case "lru", "":
		lru, err := cache.NewLRUCache(&policy)
		if err != nil {
			return nil, err
		}
		backend = lru
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	return cache.NewManager(backend, &policy,
		cache.WithProtection(obs.Protection(cfg.RetryConfig(), cfg.BreakerConfig())),
		cache.WithLogger(obs.Logger().Named("cache")),
		cache.WithHooks(obs.CacheHooks()),
	), nil
}

// Close releases the engine and flushes telemetry
func (r *runtime) Close(ctx context.Context) error {
	return errors.Join(r.engine.Close(), r.obs.Shutdown(ctx))
}
