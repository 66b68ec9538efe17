package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker reports whether the database is usable: reachable and
// migrated to the schema this binary was built against.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a HealthChecker backed by the given pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// HealthCheck pings the pool, then compares the applied migration count
// against the embedded set. A reachable database that is missing migrations
// would fail every query, so readiness reports it as down rather than
// letting traffic in.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	if err := h.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	var applied int
	if err := h.pool.QueryRow(ctx,
		`SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	if applied < len(names) {
		return fmt.Errorf("schema has %d of %d migrations applied", applied, len(names))
	}
	return nil
}
