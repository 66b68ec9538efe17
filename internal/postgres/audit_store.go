package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

// AuditStore provides audit log persistence.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log records an audit entry. userID is nil for actions not tied to an
// enrolled user.
func (s *AuditStore) Log(ctx context.Context, userID *int64, action, resource, detail, ip string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (user_id, action, resource, detail, ip) VALUES ($1, $2, $3, $4, $5)`,
		int64PtrToNullable(userID), action, resource, detail, textOrNull(ip),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// PruneBefore deletes entries created before cutoff and reports how many
// were removed. The reaper calls this on its retention sweep.
func (s *AuditStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns recent audit entries, most recent first.
func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, action, resource, detail, COALESCE(ip, ''), created_at
		 FROM audit_log ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			userID pgtype.Int8
		)
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.Resource, &e.Detail, &e.IP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.UserID = nullableInt8ToPtr(userID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}
