package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// ApplyFetchResult applies everything one fetch produced in a single
// transaction: activity upserts, photo blob writes, and the poll state
// patch with its fetch bookkeeping. Either all of it commits or none does,
// so a crash mid-apply can never advance the cursor past unsaved rows.
func (s *PollStateStore) ApplyFetchResult(ctx context.Context, pollStateID, userID int64, res *domain.FetchResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Step 1: Re-read and lock the state row so the patch below cannot race
	// an admin stop/start.
	state, err := scanPollState(tx.QueryRow(ctx,
		`SELECT `+pollStateColumns+` FROM strava_poll_states WHERE id = $1 FOR UPDATE`,
		pollStateID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("apply fetch result: poll state %d not found", pollStateID)
		}
		return fmt.Errorf("apply fetch result: read poll state %d: %w", pollStateID, err)
	}
	if state.UserID != userID {
		return fmt.Errorf("apply fetch result: poll state %d belongs to user %d, not %d",
			pollStateID, state.UserID, userID)
	}

	// Step 2: Upsert each activity and its photo blob.
	for i := range res.ActivityInfos {
		info := &res.ActivityInfos[i]
		activityID, err := upsertActivityTx(ctx, tx, userID, &info.Activity)
		if err != nil {
			return err
		}
		if err := upsertActivityPhotosTx(ctx, tx, userID, activityID, info.Photos); err != nil {
			return err
		}
	}

	// Step 3: Merge the named-field patch and stamp the fetch.
	patch := res.StateUpdate
	_, err = tx.Exec(ctx,
		`UPDATE strava_poll_states
		 SET full_fetch_next_page = COALESCE($2, full_fetch_next_page),
		     full_fetch_per_page = COALESCE($3, full_fetch_per_page),
		     full_fetch_completed = COALESCE($4, full_fetch_completed),
		     total_fetches = total_fetches + 1,
		     last_fetch_completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`,
		pollStateID, intPtrToNullable(patch.FullFetchNextPage),
		intPtrToNullable(patch.FullFetchPerPage), boolPtrToNullable(patch.FullFetchCompleted))
	if err != nil {
		return fmt.Errorf("patch poll state %d: %w", pollStateID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply tx: %w", err)
	}
	return nil
}

// upsertActivityTx inserts or updates one mirrored activity by upstream id
// and returns the row id. An existing row owned by a different user fails
// the whole transaction with domain.ErrWrongUser.
func upsertActivityTx(ctx context.Context, tx pgx.Tx, userID int64, src *strava.Activity) (int64, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE strava_id = $1 FOR UPDATE`,
		src.ID)
	existing, err := scanActivity(row)
	if err != nil && err != pgx.ErrNoRows {
		return 0, fmt.Errorf("read activity %d: %w", src.ID, err)
	}

	if existing != nil {
		if existing.UserID != userID {
			return 0, fmt.Errorf("activity %d: %w", src.ID, domain.ErrWrongUser)
		}
		if err := existing.ApplyStrava(src); err != nil {
			return 0, fmt.Errorf("activity %d: %w", src.ID, err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE activities
			 SET external_id = $2, type = $3, name = $4, description = $5,
			     distance = $6, moving_time = $7, elapsed_time = $8,
			     total_elevation_gain = $9, average_temp = $10,
			     start_date = $11, start_date_local = $12, utc_offset = $13,
			     timezone = $14, start_lat = $15, start_lng = $16,
			     end_lat = $17, end_lng = $18, summary_polyline = $19,
			     total_photo_count = $20, updated_at = NOW()
			 WHERE id = $1`,
			existing.ID, textPtrToNullable(existing.ExternalID), existing.Type,
			existing.Name, textPtrToNullable(existing.Description), existing.Distance,
			existing.MovingTime, existing.ElapsedTime, existing.TotalElevationGain,
			float8PtrToNullable(existing.AverageTemp), existing.StartDate,
			existing.StartDateLocal, existing.UTCOffset,
			textPtrToNullable(existing.Timezone), float8PtrToNullable(existing.StartLat),
			float8PtrToNullable(existing.StartLng), float8PtrToNullable(existing.EndLat),
			float8PtrToNullable(existing.EndLng), textPtrToNullable(existing.SummaryPolyline),
			existing.TotalPhotoCount)
		if err != nil {
			return 0, fmt.Errorf("update activity %d: %w", src.ID, err)
		}
		return existing.ID, nil
	}

	a := domain.Activity{UserID: userID}
	if err := a.ApplyStrava(src); err != nil {
		return 0, fmt.Errorf("activity %d: %w", src.ID, err)
	}
	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO activities
		     (user_id, strava_id, external_id, type, name, description,
		      distance, moving_time, elapsed_time, total_elevation_gain,
		      average_temp, start_date, start_date_local, utc_offset, timezone,
		      start_lat, start_lng, end_lat, end_lng, summary_polyline,
		      total_photo_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		         $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 RETURNING id`,
		a.UserID, a.StravaID, textPtrToNullable(a.ExternalID), a.Type, a.Name,
		textPtrToNullable(a.Description), a.Distance, a.MovingTime, a.ElapsedTime,
		a.TotalElevationGain, float8PtrToNullable(a.AverageTemp), a.StartDate,
		a.StartDateLocal, a.UTCOffset, textPtrToNullable(a.Timezone),
		float8PtrToNullable(a.StartLat), float8PtrToNullable(a.StartLng),
		float8PtrToNullable(a.EndLat), float8PtrToNullable(a.EndLng),
		textPtrToNullable(a.SummaryPolyline), a.TotalPhotoCount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert activity %d: %w", src.ID, err)
	}
	return id, nil
}

// upsertActivityPhotosTx writes the canonical photo blob for an activity,
// skipping the write when the stored serialization already matches.
func upsertActivityPhotosTx(ctx context.Context, tx pgx.Tx, userID, activityID int64, photos domain.PhotoMap) error {
	encoded, err := photos.Encode()
	if err != nil {
		return fmt.Errorf("encode photos for activity %d: %w", activityID, err)
	}

	var existing string
	err = tx.QueryRow(ctx,
		`SELECT data FROM activity_photos WHERE activity_id = $1 FOR UPDATE`,
		activityID).Scan(&existing)
	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx,
			`INSERT INTO activity_photos (user_id, activity_id, data) VALUES ($1, $2, $3)`,
			userID, activityID, encoded)
		if err != nil {
			return fmt.Errorf("insert photos for activity %d: %w", activityID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read photos for activity %d: %w", activityID, err)
	}

	if existing == encoded {
		return nil
	}
	_, err = tx.Exec(ctx,
		`UPDATE activity_photos SET data = $2, updated_at = NOW() WHERE activity_id = $1`,
		activityID, encoded)
	if err != nil {
		return fmt.Errorf("update photos for activity %d: %w", activityID, err)
	}
	return nil
}
