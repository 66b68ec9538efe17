package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

const tourColumns = `id, user_id, name, description, start_date, end_date, created_at, updated_at`

// TourStore provides persistence for tours.
type TourStore struct {
	pool *pgxpool.Pool
}

// NewTourStore creates a TourStore backed by the given pool.
func NewTourStore(pool *pgxpool.Pool) *TourStore {
	return &TourStore{pool: pool}
}

// CreateTour inserts a tour and fills in the generated fields.
func (s *TourStore) CreateTour(ctx context.Context, t *domain.Tour) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tours (user_id, name, description, start_date, end_date)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		t.UserID, t.Name, t.Description, timePtrToNullable(t.StartDate),
		timePtrToNullable(t.EndDate),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tour: %w", err)
	}
	return nil
}

// GetTour returns a tour by id, or nil if not found.
func (s *TourStore) GetTour(ctx context.Context, id int64) (*domain.Tour, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tourColumns+` FROM tours WHERE id = $1`, id)
	t, err := scanTour(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get tour %d: %w", id, err)
	}
	return t, nil
}

// ListToursByUser returns the user's tours, open-ended ones first, then by
// start date.
func (s *TourStore) ListToursByUser(ctx context.Context, userID int64) ([]*domain.Tour, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tourColumns+` FROM tours WHERE user_id = $1
		 ORDER BY start_date NULLS FIRST, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tours for user %d: %w", userID, err)
	}
	defer rows.Close()

	var tours []*domain.Tour
	for rows.Next() {
		t, err := scanTour(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tour: %w", err)
		}
		tours = append(tours, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tours: %w", err)
	}
	if tours == nil {
		tours = []*domain.Tour{}
	}
	return tours, nil
}

// scanTour reads one tourColumns row. Callers handle pgx.ErrNoRows.
func scanTour(row pgx.Row) (*domain.Tour, error) {
	var (
		t         domain.Tour
		startDate pgtype.Timestamptz
		endDate   pgtype.Timestamptz
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Description, &startDate, &endDate,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.StartDate = nullableTimeToPtr(startDate)
	t.EndDate = nullableTimeToPtr(endDate)
	return &t, nil
}
