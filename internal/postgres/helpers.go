package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// textOrNull converts a Go string to pgtype.Text.
// Empty string → NULL (invalid), non-empty → valid text.
func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// textPtrToNullable converts a *string to pgtype.Text.
// nil → NULL, non-nil → valid text.
func textPtrToNullable(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// boolPtrToNullable converts a *bool to pgtype.Bool.
func boolPtrToNullable(b *bool) pgtype.Bool {
	if b == nil {
		return pgtype.Bool{}
	}
	return pgtype.Bool{Bool: *b, Valid: true}
}

// intPtrToNullable converts a *int to pgtype.Int4.
func intPtrToNullable(n *int) pgtype.Int4 {
	if n == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*n), Valid: true}
}

// int64PtrToNullable converts a *int64 to pgtype.Int8.
func int64PtrToNullable(n *int64) pgtype.Int8 {
	if n == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *n, Valid: true}
}

// float8PtrToNullable converts a *float64 to pgtype.Float8.
func float8PtrToNullable(f *float64) pgtype.Float8 {
	if f == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *f, Valid: true}
}

// timePtrToNullable converts a *time.Time to pgtype.Timestamptz.
func timePtrToNullable(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// nullableTextToString converts pgtype.Text to a Go string.
func nullableTextToString(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

// nullableTextToPtr converts pgtype.Text to *string.
func nullableTextToPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// nullableBoolToPtr converts pgtype.Bool to *bool.
func nullableBoolToPtr(b pgtype.Bool) *bool {
	if b.Valid {
		return &b.Bool
	}
	return nil
}

// nullableInt4ToPtr converts pgtype.Int4 to *int.
func nullableInt4ToPtr(n pgtype.Int4) *int {
	if n.Valid {
		v := int(n.Int32)
		return &v
	}
	return nil
}

// nullableInt8ToPtr converts pgtype.Int8 to *int64.
func nullableInt8ToPtr(n pgtype.Int8) *int64 {
	if n.Valid {
		return &n.Int64
	}
	return nil
}

// nullableFloat8ToPtr converts pgtype.Float8 to *float64.
func nullableFloat8ToPtr(f pgtype.Float8) *float64 {
	if f.Valid {
		return &f.Float64
	}
	return nil
}

// nullableTimeToPtr converts pgtype.Timestamptz to *time.Time.
func nullableTimeToPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
