package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/postgres"
)

// testPool returns a pgxpool.Pool connected to the test database.
// It skips the test if DATABASE_URL is not set (so `make test-go` stays fast).
// It runs migrations and cleans all tables before returning.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, url, 0)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanTables(t, pool)

	return pool
}

// cleanTables truncates all tables.
func cleanTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	ctx := context.Background()
	// Order matters — FK constraints
	tables := []string{
		"activity_photos", "activities",
		"strava_poll_states", "tokens", "tours",
		"users", "audit_log",
	}
	for _, table := range tables {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// createTestUser inserts a user for stores that hang rows off one.
func createTestUser(t *testing.T, pool *pgxpool.Pool, stravaID int64) *domain.User {
	t.Helper()

	store := postgres.NewUserStore(pool)
	email := "athlete@example.com"
	u := &domain.User{
		StravaID:  stravaID,
		Email:     &email,
		Firstname: "Jo",
		Lastname:  "Journey",
		Country:   "Germany",
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return u
}
