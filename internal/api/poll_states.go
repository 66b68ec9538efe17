package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
)

// PollStateStore defines the persistence interface for poll states. The
// poller consumes the same interface, so the eligibility and fetch-result
// methods live here alongside the admin operations.
type PollStateStore interface {
	CreatePollState(ctx context.Context, ps *domain.PollState) error
	GetPollState(ctx context.Context, id int64) (*domain.PollState, error)
	GetPollStateByUserID(ctx context.Context, userID int64) (*domain.PollState, error)
	ListPollStates(ctx context.Context) ([]*domain.PollState, error)
	ListEligible(ctx context.Context, olderThan time.Time, exclude []int64) ([]*domain.PollState, error)
	MarkError(ctx context.Context, id int64, message string, data map[string]any) error
	ClearError(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Start(ctx context.Context, id int64) error
	ApplyFetchResult(ctx context.Context, pollStateID, userID int64, res *domain.FetchResult) error
}

// MountPollStateRoutes registers poll-state administration endpoints on the router.
func MountPollStateRoutes(r chi.Router, srv *Server) {
	r.Get("/poll-states", srv.HandleListPollStates)
	r.Get("/poll-states/{pollStateID}", srv.HandleGetPollState)
	r.Post("/poll-states/{pollStateID}/stop", srv.HandleStopPollState)
	r.Post("/poll-states/{pollStateID}/start", srv.HandleStartPollState)
	r.Post("/poll-states/{pollStateID}/clear-error", srv.HandleClearPollStateError)
}

// HandleListPollStates returns all poll states.
func (s *Server) HandleListPollStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.PollStates.ListPollStates(r.Context())
	if err != nil {
		internalError(w, "failed to list poll states", err)
		return
	}

	total := len(states)
	limit, offset := parsePagination(r)
	states = paginate(states, limit, offset)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"poll_states": states,
		"total":       total,
	})
}

// HandleGetPollState returns a single poll state by id.
func (s *Server) HandleGetPollState(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.pollStateFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// HandleStopPollState excludes a poll state from polling until started again.
func (s *Server) HandleStopPollState(w http.ResponseWriter, r *http.Request) {
	s.updatePollState(w, r, "failed to stop poll state", s.PollStates.Stop)
}

// HandleStartPollState puts a stopped poll state back into rotation.
func (s *Server) HandleStartPollState(w http.ResponseWriter, r *http.Request) {
	s.updatePollState(w, r, "failed to start poll state", s.PollStates.Start)
}

// HandleClearPollStateError wipes the recorded error so the failure streak
// starts from zero again.
func (s *Server) HandleClearPollStateError(w http.ResponseWriter, r *http.Request) {
	s.updatePollState(w, r, "failed to clear poll state error", s.PollStates.ClearError)
}

// updatePollState runs one admin operation against a poll state and returns
// the refreshed row.
func (s *Server) updatePollState(w http.ResponseWriter, r *http.Request, errMsg string, op func(context.Context, int64) error) {
	ps, ok := s.pollStateFromPath(w, r)
	if !ok {
		return
	}

	if err := op(r.Context(), ps.ID); err != nil {
		internalError(w, errMsg, err)
		return
	}

	updated, err := s.PollStates.GetPollState(r.Context(), ps.ID)
	if err != nil {
		internalError(w, "failed to reload poll state", err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// pollStateFromPath resolves the {pollStateID} path parameter, writing the
// error response itself when the id is malformed or unknown.
func (s *Server) pollStateFromPath(w http.ResponseWriter, r *http.Request) (*domain.PollState, bool) {
	id, ok := idParam(r, "pollStateID")
	if !ok {
		errorJSON(w, "pollStateID must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return nil, false
	}

	ps, err := s.PollStates.GetPollState(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load poll state", err)
		return nil, false
	}
	if ps == nil {
		errorJSON(w, "poll state not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}
	return ps, true
}
