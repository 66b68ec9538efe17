// Package postgres implements Postgres-backed stores for tourmap.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pingTimeout bounds the connectivity probe at startup so a wedged database
// fails the boot instead of hanging it.
const pingTimeout = 5 * time.Second

// poolTuning holds the fine-grained pgxpool knobs. The pool size itself comes
// from config (db_max_conns / DB_MAX_CONNS); these rarely need touching and
// are env-only:
//
//	DB_MIN_CONNS            idle connections kept alive (default 5)
//	DB_MAX_CONN_LIFETIME    connection lifetime (default 1h)
//	DB_MAX_CONN_IDLE_TIME   idle time before closing (default 30m)
//	DB_HEALTH_CHECK_PERIOD  idle health-check interval (default 1m)
type poolTuning struct {
	minConns          int32
	maxConnLifetime   time.Duration
	maxConnIdleTime   time.Duration
	healthCheckPeriod time.Duration
}

func tuningFromEnv() poolTuning {
	t := poolTuning{
		minConns:          5,
		maxConnLifetime:   time.Hour,
		maxConnIdleTime:   30 * time.Minute,
		healthCheckPeriod: time.Minute,
	}
	overrideInt32(&t.minConns, "DB_MIN_CONNS")
	overrideDuration(&t.maxConnLifetime, "DB_MAX_CONN_LIFETIME")
	overrideDuration(&t.maxConnIdleTime, "DB_MAX_CONN_IDLE_TIME")
	overrideDuration(&t.healthCheckPeriod, "DB_HEALTH_CHECK_PERIOD")
	return t
}

// NewPool creates a pgxpool.Pool from a DATABASE_URL connection string and
// verifies connectivity before returning it. maxConns <= 0 selects the
// default pool size (25). Explicit settings win over URL params such as
// ?pool_max_conns=10.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	tuning := tuningFromEnv()

	config.MaxConns = maxConns
	config.MinConns = tuning.minConns
	config.MaxConnLifetime = tuning.maxConnLifetime
	config.MaxConnIdleTime = tuning.maxConnIdleTime
	config.HealthCheckPeriod = tuning.healthCheckPeriod

	slog.Info("pgxpool configured",
		"max_conns", config.MaxConns,
		"min_conns", config.MinConns,
		"max_conn_lifetime", config.MaxConnLifetime,
		"max_conn_idle_time", config.MaxConnIdleTime,
		"health_check_period", config.HealthCheckPeriod,
	)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// overrideInt32 replaces *dst when the env var holds a valid integer.
// Invalid values are logged and ignored so a typo cannot take the pool down.
func overrideInt32(dst *int32, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", v)
		return
	}
	*dst = int32(n)
}

func overrideDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration env var", "key", key, "value", v)
		return
	}
	*dst = d
}
