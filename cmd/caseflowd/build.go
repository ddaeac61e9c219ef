package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// healthStore is a datastore that can also report readiness.
type healthStore interface {
	workflow.Datastore
	HealthCheck(ctx context.Context) error
}

// loadRegistry reads every definition file in the configured directories
// and registers it. Any invalid definition aborts loading.
func loadRegistry(cfg config.DefinitionsConfig) (*definition.Registry, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no workflow definitions found in %v", cfg.Directories)
	}
	registry := definition.NewRegistry()
	if err := registry.RegisterAll(defs); err != nil {
		return nil, err
	}
	return registry, nil
}

// buildStore creates the workflow datastore selected by cfg.Driver. The
// returned close func is never nil.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (healthStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), func() {}, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgStore(pool)
		if cfg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
			logger.Info("workflow store schema migrated")
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}
