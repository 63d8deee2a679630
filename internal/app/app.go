// Package app assembles the service from configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"skillflow/internal/composition"
	"skillflow/internal/config"
	"skillflow/internal/logging"
	"skillflow/internal/repository"
	"skillflow/internal/services"
	"skillflow/internal/telemetry"
)

// Version is reported by the health endpoint and the MCP server.
const Version = "1.0.0"

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Store    repository.ExecutionStore
	Registry *services.HTTPSkillRegistry
	Engine   *composition.Engine

	closers []func()
}

// New connects the configured store and builds the engine. Call Close when done.
func New(ctx context.Context, cfg *config.Config, out io.Writer) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logging.New(out, cfg.Log.Level, cfg.Log.Format),
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
		Environment:    cfg.Telemetry.Environment,
		Version:        Version,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.Logger.Warn("Failed to flush metrics", "error", err)
		}
	})

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store

	a.Registry = services.NewHTTPSkillRegistry(cfg.SkillRegistry.URL, cfg.SkillRegistry.Timeout)
	opts := []composition.Option{
		composition.WithLogger(a.Logger),
		composition.WithMeter(otel.Meter("skillflow")),
		composition.WithLeaseTTL(cfg.Store.LeaseTTL),
	}
	if cfg.SkillRegistry.Compensation {
		opts = append(opts, composition.WithCompensator(a.Registry))
	}
	if cfg.Governance.Enabled {
		opts = append(opts, composition.WithGovernor(services.NewAllowListGovernor(cfg.AllowList())))
	}

	if a.Engine, err = composition.NewEngine(store, a.Registry, opts...); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return a, nil
}

// Close releases store connections and flushes metrics.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) (repository.ExecutionStore, error) {
	switch a.Config.Store.Backend {
	case config.BackendPostgres:
		pool, err := initDatabase(ctx, a.Config, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)

		store := repository.NewPostgresExecutionStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		a.Logger.Info("Database connected", "host", a.Config.DB.Host, "name", a.Config.DB.Name)
		return store, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })

		store := repository.NewRedisExecutionStore(client, a.Config.Redis.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		a.Logger.Info("Redis connected", "addr", a.Config.Redis.Addr)
		return store, nil
	}

	a.Logger.Warn("Using in-memory execution store; records are lost on restart")
	return repository.NewMemoryExecutionStore(), nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
