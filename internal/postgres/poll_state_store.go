package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tourmap/tourmap/internal/domain"
)

const pollStateColumns = `id, user_id, full_fetch_next_page, full_fetch_per_page,
	full_fetch_completed, last_fetch_completed_at, total_fetches,
	error_happened, error_happened_at, error_message, error_data, stopped,
	created_at, updated_at`

// maxErrorMessageLen matches the error_message column width.
const maxErrorMessageLen = 255

// PollStateStore provides persistence for per-user poll progress.
type PollStateStore struct {
	pool     *pgxpool.Pool
	EventBus EventBus // optional — publishes poll_state events when set
}

// NewPollStateStore creates a PollStateStore backed by the given pool.
func NewPollStateStore(pool *pgxpool.Pool) *PollStateStore {
	return &PollStateStore{pool: pool}
}

// CreatePollState inserts a fresh poll state and fills in the generated
// fields. Returns domain.ErrAlreadyExists when the user already has one.
func (s *PollStateStore) CreatePollState(ctx context.Context, ps *domain.PollState) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO strava_poll_states
		     (user_id, full_fetch_next_page, full_fetch_per_page, full_fetch_completed, stopped)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, total_fetches, error_happened, error_data, created_at, updated_at`,
		ps.UserID, intPtrToNullable(ps.FullFetchNextPage), intPtrToNullable(ps.FullFetchPerPage),
		boolPtrToNullable(ps.FullFetchCompleted), ps.Stopped,
	).Scan(&ps.ID, &ps.TotalFetches, &ps.ErrorHappened, &ps.ErrorData, &ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("poll state for user %d: %w", ps.UserID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert poll state: %w", err)
	}

	// Best-effort: a poller in another process picks the new state up on its
	// next cycle anyway; the event just makes the first fetch immediate.
	if s.EventBus != nil {
		_ = s.EventBus.Publish(ctx, ChannelPollStateCreated, PollStatePayload{
			PollStateID: ps.ID,
			UserID:      ps.UserID,
		})
	}
	return nil
}

// GetPollState returns a poll state by id, or nil if not found.
func (s *PollStateStore) GetPollState(ctx context.Context, id int64) (*domain.PollState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pollStateColumns+` FROM strava_poll_states WHERE id = $1`, id)
	ps, err := scanPollState(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get poll state %d: %w", id, err)
	}
	return ps, nil
}

// GetPollStateByUserID returns the poll state for a user, or nil.
func (s *PollStateStore) GetPollStateByUserID(ctx context.Context, userID int64) (*domain.PollState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pollStateColumns+` FROM strava_poll_states WHERE user_id = $1`, userID)
	ps, err := scanPollState(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get poll state for user %d: %w", userID, err)
	}
	return ps, nil
}

// ListPollStates returns all poll states ordered by id.
func (s *PollStateStore) ListPollStates(ctx context.Context) ([]*domain.PollState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pollStateColumns+` FROM strava_poll_states ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list poll states: %w", err)
	}
	defer rows.Close()
	return collectPollStates(rows)
}

// ListEligible returns poll states due for a fetch: every state still walking
// its history, plus completed states whose last fetch finished before
// olderThan. Stopped states and the ids in exclude are skipped. Ordered by id.
func (s *PollStateStore) ListEligible(ctx context.Context, olderThan time.Time, exclude []int64) ([]*domain.PollState, error) {
	if exclude == nil {
		// nil would encode as SQL NULL and the ANY comparison would filter
		// every row.
		exclude = []int64{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pollStateColumns+`
		 FROM strava_poll_states
		 WHERE (full_fetch_completed IS NULL OR full_fetch_completed = FALSE
		        OR (full_fetch_completed = TRUE
		            AND (last_fetch_completed_at IS NULL OR last_fetch_completed_at < $1)))
		   AND stopped IS NOT TRUE
		   AND NOT (id = ANY($2))
		 ORDER BY id`,
		olderThan, exclude)
	if err != nil {
		return nil, fmt.Errorf("list eligible poll states: %w", err)
	}
	defer rows.Close()
	return collectPollStates(rows)
}

// MarkError records a failed poll: error fields are set and
// last_fetch_completed_at advances so the state keeps its place in the
// eligibility order instead of being retried in a tight loop. The message is
// truncated to the column width; data is stored as JSON, {} when nil.
func (s *PollStateStore) MarkError(ctx context.Context, id int64, message string, data map[string]any) error {
	if utf8.RuneCountInString(message) > maxErrorMessageLen {
		message = string([]rune(message)[:maxErrorMessageLen])
	}
	encoded := "{}"
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal error data: %w", err)
		}
		encoded = string(b)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE strava_poll_states
		 SET error_happened = TRUE,
		     error_message = $2,
		     error_data = $3,
		     error_happened_at = NOW(),
		     last_fetch_completed_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, message, encoded)
	if err != nil {
		return fmt.Errorf("mark poll state %d error: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark poll state %d error: no such state", id)
	}
	return nil
}

// ClearError resets the error fields once an operator has dealt with the
// failure.
func (s *PollStateStore) ClearError(ctx context.Context, id int64) error {
	var userID int64
	err := s.pool.QueryRow(ctx,
		`UPDATE strava_poll_states
		 SET error_happened = FALSE,
		     error_message = NULL,
		     error_data = '{}',
		     error_happened_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING user_id`, id).Scan(&userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("clear poll state %d error: no such state", id)
		}
		return fmt.Errorf("clear poll state %d error: %w", id, err)
	}
	s.publishUpdated(ctx, id, userID, "error_cleared")
	return nil
}

// Stop excludes the poll state from scheduling until Start is called.
func (s *PollStateStore) Stop(ctx context.Context, id int64) error {
	return s.setStopped(ctx, id, true)
}

// Start puts a stopped poll state back into rotation.
func (s *PollStateStore) Start(ctx context.Context, id int64) error {
	return s.setStopped(ctx, id, false)
}

func (s *PollStateStore) setStopped(ctx context.Context, id int64, stopped bool) error {
	var userID int64
	err := s.pool.QueryRow(ctx,
		`UPDATE strava_poll_states SET stopped = $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING user_id`,
		id, stopped).Scan(&userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("set poll state %d stopped: no such state", id)
		}
		return fmt.Errorf("set poll state %d stopped: %w", id, err)
	}
	action := "started"
	if stopped {
		action = "stopped"
	}
	s.publishUpdated(ctx, id, userID, action)
	return nil
}

// publishUpdated emits a poll_state_updated event so a poller in another
// process reacts to operator actions without waiting out its sleep interval.
// Best-effort: publish failures never fail the write that triggered them.
func (s *PollStateStore) publishUpdated(ctx context.Context, id, userID int64, action string) {
	if s.EventBus == nil {
		return
	}
	_ = s.EventBus.Publish(ctx, ChannelPollStateUpdated, PollStatePayload{
		PollStateID: id,
		UserID:      userID,
		Action:      action,
	})
}

// scanPollState reads one pollStateColumns row. Callers handle pgx.ErrNoRows.
func scanPollState(row pgx.Row) (*domain.PollState, error) {
	var (
		ps         domain.PollState
		nextPage   pgtype.Int4
		perPage    pgtype.Int4
		completed  pgtype.Bool
		lastFetch  pgtype.Timestamptz
		happenedAt pgtype.Timestamptz
		message    pgtype.Text
		stopped    pgtype.Bool
	)
	err := row.Scan(&ps.ID, &ps.UserID, &nextPage, &perPage, &completed, &lastFetch,
		&ps.TotalFetches, &ps.ErrorHappened, &happenedAt, &message, &ps.ErrorData,
		&stopped, &ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ps.FullFetchNextPage = nullableInt4ToPtr(nextPage)
	ps.FullFetchPerPage = nullableInt4ToPtr(perPage)
	ps.FullFetchCompleted = nullableBoolToPtr(completed)
	ps.LastFetchCompletedAt = nullableTimeToPtr(lastFetch)
	ps.ErrorHappenedAt = nullableTimeToPtr(happenedAt)
	ps.ErrorMessage = nullableTextToPtr(message)
	ps.Stopped = stopped.Valid && stopped.Bool
	return &ps, nil
}

func collectPollStates(rows pgx.Rows) ([]*domain.PollState, error) {
	var states []*domain.PollState
	for rows.Next() {
		ps, err := scanPollState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan poll state: %w", err)
		}
		states = append(states, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll states: %w", err)
	}
	if states == nil {
		states = []*domain.PollState{}
	}
	return states, nil
}
