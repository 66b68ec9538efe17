package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

const activityColumns = `id, user_id, strava_id, external_id, type, name, description,
	distance, moving_time, elapsed_time, total_elevation_gain, average_temp,
	start_date, start_date_local, utc_offset, timezone,
	start_lat, start_lng, end_lat, end_lng, summary_polyline, total_photo_count,
	created_at, updated_at`

// Listing bounds. The web UI pages at 50; anything above the cap is clamped.
const (
	defaultActivityPageSize = 50
	maxActivityPageSize     = 200
)

// ActivityStore provides read access to mirrored activities and their photo
// blobs. Writes happen inside ApplyFetchResult's transaction.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates an ActivityStore backed by the given pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// GetActivity returns an activity by row id, or nil if not found.
func (s *ActivityStore) GetActivity(ctx context.Context, id int64) (*domain.Activity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	a, err := scanActivity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get activity %d: %w", id, err)
	}
	return a, nil
}

// GetActivityByStravaID returns the mirrored activity for an upstream id,
// or nil.
func (s *ActivityStore) GetActivityByStravaID(ctx context.Context, stravaID int64) (*domain.Activity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE strava_id = $1`, stravaID)
	a, err := scanActivity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get activity by strava id %d: %w", stravaID, err)
	}
	return a, nil
}

// ListActivitiesByUser returns a page of the user's activities, newest
// first. limit <= 0 selects the default page size.
func (s *ActivityStore) ListActivitiesByUser(ctx context.Context, userID int64, limit, offset int) ([]*domain.Activity, error) {
	if limit <= 0 {
		limit = defaultActivityPageSize
	}
	if limit > maxActivityPageSize {
		limit = maxActivityPageSize
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM activities WHERE user_id = $1
		 ORDER BY start_date DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list activities for user %d: %w", userID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// ListActivitiesInRange returns the user's activities whose start date falls
// inside [from, to], oldest first. A nil bound is open.
func (s *ActivityStore) ListActivitiesInRange(ctx context.Context, userID int64, from, to *time.Time) ([]*domain.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE user_id = $1
		   AND ($2::timestamptz IS NULL OR start_date >= $2)
		   AND ($3::timestamptz IS NULL OR start_date <= $3)
		 ORDER BY start_date, id`,
		userID, timePtrToNullable(from), timePtrToNullable(to))
	if err != nil {
		return nil, fmt.Errorf("list activities in range for user %d: %w", userID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// CountActivitiesByUser returns how many activities the user has mirrored.
func (s *ActivityStore) CountActivitiesByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM activities WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count activities for user %d: %w", userID, err)
	}
	return count, nil
}

// GetActivityPhotos returns the stored photo blob for an activity, or nil
// when no fetch has written one yet.
func (s *ActivityStore) GetActivityPhotos(ctx context.Context, activityID int64) (*domain.ActivityPhotos, error) {
	var p domain.ActivityPhotos
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, activity_id, data, created_at, updated_at
		 FROM activity_photos WHERE activity_id = $1`, activityID,
	).Scan(&p.ID, &p.UserID, &p.ActivityID, &p.Data, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get photos for activity %d: %w", activityID, err)
	}
	return &p, nil
}

// scanActivity reads one activityColumns row. Callers handle pgx.ErrNoRows.
func scanActivity(row pgx.Row) (*domain.Activity, error) {
	var (
		a           domain.Activity
		externalID  pgtype.Text
		description pgtype.Text
		averageTemp pgtype.Float8
		timezone    pgtype.Text
		startLat    pgtype.Float8
		startLng    pgtype.Float8
		endLat      pgtype.Float8
		endLng      pgtype.Float8
		polyline    pgtype.Text
	)
	err := row.Scan(&a.ID, &a.UserID, &a.StravaID, &externalID, &a.Type, &a.Name,
		&description, &a.Distance, &a.MovingTime, &a.ElapsedTime,
		&a.TotalElevationGain, &averageTemp, &a.StartDate, &a.StartDateLocal,
		&a.UTCOffset, &timezone, &startLat, &startLng, &endLat, &endLng,
		&polyline, &a.TotalPhotoCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ExternalID = nullableTextToPtr(externalID)
	a.Description = nullableTextToPtr(description)
	a.AverageTemp = nullableFloat8ToPtr(averageTemp)
	a.Timezone = nullableTextToPtr(timezone)
	a.StartLat = nullableFloat8ToPtr(startLat)
	a.StartLng = nullableFloat8ToPtr(startLng)
	a.EndLat = nullableFloat8ToPtr(endLat)
	a.EndLng = nullableFloat8ToPtr(endLng)
	a.SummaryPolyline = nullableTextToPtr(polyline)
	return &a, nil
}

func collectActivities(rows pgx.Rows) ([]*domain.Activity, error) {
	var activities []*domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	if activities == nil {
		activities = []*domain.Activity{}
	}
	return activities, nil
}
