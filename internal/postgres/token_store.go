package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

// TokenStore provides persistence for OAuth tokens, one per user.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a TokenStore backed by the given pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// GetTokenByUserID returns the token for a user, or nil if the user never
// completed enrollment.
func (s *TokenStore) GetTokenByUserID(ctx context.Context, userID int64) (*domain.Token, error) {
	var (
		t         domain.Token
		refresh   pgtype.Text
		expiresAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM tokens WHERE user_id = $1`, userID,
	).Scan(&t.ID, &t.UserID, &t.AccessToken, &refresh, &expiresAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get token for user %d: %w", userID, err)
	}
	t.RefreshToken = nullableTextToPtr(refresh)
	t.ExpiresAt = nullableTimeToPtr(expiresAt)
	return &t, nil
}

// UpsertToken inserts or replaces the user's token. Enrollment calls this
// whenever the upstream hands out a fresh credential.
func (s *TokenStore) UpsertToken(ctx context.Context, t *domain.Token) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tokens (user_id, access_token, refresh_token, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		t.UserID, t.AccessToken, textPtrToNullable(t.RefreshToken), timePtrToNullable(t.ExpiresAt),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert token for user %d: %w", t.UserID, err)
	}
	return nil
}
