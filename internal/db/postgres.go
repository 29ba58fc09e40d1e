package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pgx pool. Zero values fall back to defaults sized for
// a single api-server replica.
type PoolOptions struct {
	// ApplicationName shows up in pg_stat_activity so lock waits can be traced
	// back to the binary holding them.
	ApplicationName string
	MaxConns        int32
	MinConns        int32
	// LockTimeout bounds how long a statement waits on a row lock. Defaults to 5s.
	LockTimeout time.Duration
}

func ConnectPostgres(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = orDefault(opts.MaxConns, 10)
	cfg.MinConns = orDefault(opts.MinConns, 1)
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	lockTimeout := opts.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	params := cfg.ConnConfig.RuntimeParams
	params["lock_timeout"] = fmt.Sprintf("%dms", lockTimeout.Milliseconds())
	if opts.ApplicationName != "" {
		params["application_name"] = opts.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

func orDefault(v, def int32) int32 {
	if v > 0 {
		return v
	}
	return def
}
