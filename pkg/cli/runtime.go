package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/rolegate/pkg/config"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// runtime holds the connections a subcommand works with
type runtime struct {
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *observability.Metrics
	manager  *rbac.Manager
}

// OpenDB connects to the configured database and reports the SQL dialect to use with it
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, rbac.Dialect, error) {
	dialect := rbac.DialectPostgres
	if cfg.Driver == "sqlite3" {
		dialect = rbac.DialectSQLite
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == rbac.DialectSQLite {
		// sqlite serialises writers; one connection avoids "database is locked"
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, dialect, nil
}

// connect opens the database, optional redis and builds the rbac manager
func (a *App) connect(ctx context.Context) (*runtime, error) {
	cfg := a.Config

	db, dialect, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{db: db}

	if cfg.Observability.MetricsEnabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rt.metrics = observability.NewMetrics(rt.registry)
	}

	opts := rbac.Options{
		Dialect:         dialect,
		Logger:          a.Logger,
		Metrics:         rt.metrics,
		ExpireBatchSize: cfg.Sweeper.BatchSize,
	}

	if cfg.Cache.Enabled {
		opts.Cache = rbac.NewResolutionCache(cfg.Cache.Size, cfg.Cache.TTL)
		if cfg.Cache.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.Cache.RedisURL)
			if err != nil {
				rt.Close()
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			rt.redis = redis.NewClient(redisOpts)
			if err := rt.redis.Ping(ctx).Err(); err != nil {
				rt.Close()
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			opts.Versions = rbac.NewRedisVersions(rt.redis, cfg.Cache.RedisPrefix)
		}
	}

	rt.manager = rbac.New(db, opts)

	if cfg.Database.MigrateOnStart {
		if err := rt.manager.Initialize(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Close releases the runtime's connections
func (rt *runtime) Close() error {
	var firstErr error
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if err := rt.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
