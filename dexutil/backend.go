// Package dexutil holds small helpers shared by the CLI collaborators
// (cmd/migrate, cmd/export, cmd/import): resolving a config.BackendKind
// into a concrete kv.Store, and streaming a store's full keyspace as
// newline-delimited JSON. A backend-switch constructor turns a
// DatabaseConfig into a live connection, generalized from a single
// Postgres connection to kvdex's three-backend choice.
package dexutil

import (
	"context"
	"database/sql"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/kvdexhq/kvdex/config"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
	"github.com/kvdexhq/kvdex/kv/postgres"
	"github.com/kvdexhq/kvdex/kv/redis"
	"github.com/kvdexhq/kvdex/logging"
)

// OpenBackend constructs the kv.Store named by cfg.Database.Backend.
func OpenBackend(ctx context.Context, cfg *config.Config, log *logging.Logger) (kv.Store, error) {
	limits := cfg.Limits.ToLimits()
	switch cfg.Database.Backend {
	case config.BackendMemory, "":
		return memory.New(limits, log), nil
	case config.BackendRedis:
		if cfg.Database.RedisDSN == "" {
			return nil, fmt.Errorf("dexutil: backend=redis requires database.redis_dsn / KVDEX_REDIS_DSN")
		}
		opts, err := goredis.ParseURL(cfg.Database.RedisDSN)
		if err != nil {
			return nil, fmt.Errorf("dexutil: parse redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("dexutil: ping redis: %w", err)
		}
		return redis.New(client, limits), nil
	case config.BackendPostgres:
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("dexutil: backend=postgres requires database.postgres_dsn / KVDEX_POSTGRES_DSN")
		}
		db, err := sql.Open("postgres", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("dexutil: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("dexutil: ping postgres: %w", err)
		}
		return postgres.New(db, limits)
	default:
		return nil, fmt.Errorf("dexutil: unknown backend %q", cfg.Database.Backend)
	}
}
