package poller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/pool"
	"github.com/tourmap/tourmap/internal/strava"
)

// retryThreshold is how many consecutive retryable failures a poll state
// may accumulate before the failure is recorded on the row. The first one
// is logged only, so a single flaky request costs nothing.
const retryThreshold = 2

// apply finishes one job on the loop goroutine: a successful fetch is
// committed through the store, a failed one is classified and possibly
// recorded. Either way the inflight slot is freed, so errors never escape
// the loop and a state can be submitted again.
func (p *Poller) apply(ctx context.Context, r *result) {
	id := r.job.state.ID
	defer delete(p.inflight, id)

	if r.err != nil {
		p.fail(ctx, r.job, r.err)
		return
	}
	if err := p.states.ApplyFetchResult(ctx, id, r.job.state.UserID, r.res); err != nil {
		p.fail(ctx, r.job, err)
		return
	}
	delete(p.failures, id)
	slog.Debug("poller: applied fetch", "poll_state_id", id, "activities", len(r.res.ActivityInfos))
}

// fail handles one failed job. Retryable kinds are logged and silently
// retried once; everything else, and any repeat, is recorded on the poll
// state. MarkError advances last_fetch_completed_at, so a recorded state
// backs off through the regular eligibility window instead of spinning.
func (p *Poller) fail(ctx context.Context, j *job, err error) {
	id := j.state.ID
	kind, data, retryable := classify(err)

	if retryable {
		p.failures[id]++
		if p.failures[id] < retryThreshold {
			slog.Warn("poller: fetch failed, will retry",
				"poll_state_id", id, "user_id", j.state.UserID, "kind", kind, "error", err)
			return
		}
	}

	if markErr := p.states.MarkError(ctx, id, errorMessage(err), data); markErr != nil {
		slog.Error("poller: mark poll state error", "poll_state_id", id, "error", markErr)
		return
	}
	slog.Warn("poller: fetch failed",
		"poll_state_id", id, "user_id", j.state.UserID, "kind", kind, "error", err)
}

// classify buckets err into the poll-state error taxonomy: the kind label,
// the payload stored in error_data, and whether the failure is transient
// enough to retry silently. Auth failures keep the full upstream response
// so an operator can see what Strava actually said.
func classify(err error) (kind string, data map[string]any, retryable bool) {
	var (
		timeoutErr      *strava.TimeoutError
		upstreamErr     *strava.UpstreamError
		badRequestErr   *strava.BadRequestError
		athleteTokenErr *strava.InvalidAthleteAccessTokenError
		tokenErr        *strava.InvalidAccessTokenError
		dataErr         *domain.DataError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout", map[string]any{"kind": "timeout"}, true
	case errors.As(err, &upstreamErr):
		return "upstream", map[string]any{"kind": "upstream"}, true
	case errors.Is(err, pool.ErrEmpty):
		return "pool_empty", map[string]any{"kind": "pool_empty"}, true
	case errors.As(err, &athleteTokenErr):
		return "invalid_athlete_access_token", athleteTokenErr.ErrorData, false
	case errors.As(err, &tokenErr):
		return "invalid_access_token", tokenErr.ErrorData, false
	case errors.As(err, &badRequestErr):
		return "bad_request", map[string]any{"kind": "bad_request", "status": badRequestErr.Status}, false
	case errors.As(err, &dataErr):
		return "data_error", map[string]any{"kind": "data_error"}, false
	default:
		return "internal", map[string]any{"kind": "internal"}, false
	}
}

// errorMessage is what lands in poll_state.error_message. Token errors use
// the upstream message alone; everything else keeps the wrapped chain.
func errorMessage(err error) string {
	var tokenErr *strava.InvalidAccessTokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Message
	}
	return err.Error()
}
