package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

const userColumns = `id, strava_id, email, firstname, lastname, country, created_at, updated_at`

// UserStore provides persistence for enrolled users.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// CreateUser inserts a new user and fills in the generated fields.
// Returns domain.ErrAlreadyExists when the athlete is already enrolled.
func (s *UserStore) CreateUser(ctx context.Context, u *domain.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (strava_id, email, firstname, lastname, country)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		u.StravaID, textPtrToNullable(u.Email), textOrNull(u.Firstname),
		textOrNull(u.Lastname), textOrNull(u.Country),
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("athlete %d: %w", u.StravaID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by id, or nil if not found.
func (s *UserStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByStravaID returns the user enrolled for an athlete id, or nil.
func (s *UserStore) GetUserByStravaID(ctx context.Context, stravaID int64) (*domain.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE strava_id = $1`, stravaID)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by strava id %d: %w", stravaID, err)
	}
	return u, nil
}

// UpdateUser rewrites the athlete profile fields. Enrollment calls this on
// every re-authorization so the mirror tracks profile changes.
func (s *UserStore) UpdateUser(ctx context.Context, u *domain.User) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET email = $2, firstname = $3, lastname = $4, country = $5, updated_at = NOW()
		 WHERE id = $1`,
		u.ID, textPtrToNullable(u.Email), textOrNull(u.Firstname),
		textOrNull(u.Lastname), textOrNull(u.Country))
	if err != nil {
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update user %d: no such user", u.ID)
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *UserStore) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	if users == nil {
		users = []*domain.User{}
	}
	return users, nil
}

// scanUser reads one userColumns row. Callers handle pgx.ErrNoRows.
func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u         domain.User
		email     pgtype.Text
		firstname pgtype.Text
		lastname  pgtype.Text
		country   pgtype.Text
	)
	err := row.Scan(&u.ID, &u.StravaID, &email, &firstname, &lastname, &country,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Email = nullableTextToPtr(email)
	u.Firstname = nullableTextToString(firstname)
	u.Lastname = nullableTextToString(lastname)
	u.Country = nullableTextToString(country)
	return &u, nil
}
