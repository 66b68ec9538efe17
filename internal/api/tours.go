package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
)

// TourStore defines the persistence interface for tours.
type TourStore interface {
	CreateTour(ctx context.Context, t *domain.Tour) error
	GetTour(ctx context.Context, id int64) (*domain.Tour, error)
	ListToursByUser(ctx context.Context, userID int64) ([]*domain.Tour, error)
}

// CreateTourRequest is the JSON body for POST /api/v1/users/{userID}/tours.
// Dates are day-resolution, formatted 2006-01-02; either bound may be omitted
// for an open-ended tour.
type CreateTourRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

// maxTourNameLength bounds tour names; the portal truncates around there anyway.
const maxTourNameLength = 120

// tourDateFormat is the day-resolution format tour bounds are exchanged in.
const tourDateFormat = "2006-01-02"

// MountTourRoutes registers tour endpoints on the router.
func MountTourRoutes(r chi.Router, srv *Server) {
	r.Get("/users/{userID}/tours", srv.HandleListUserTours)
	r.Post("/users/{userID}/tours", srv.HandleCreateTour)
	r.Get("/tours/{tourID}", srv.HandleGetTour)
}

// HandleListUserTours returns all tours of one user.
func (s *Server) HandleListUserTours(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(r, "userID")
	if !ok {
		errorJSON(w, "userID must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	user, err := s.Users.GetUser(r.Context(), userID)
	if err != nil {
		internalError(w, "failed to load user", err)
		return
	}
	if user == nil {
		errorJSON(w, "user not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	tours, err := s.Tours.ListToursByUser(r.Context(), userID)
	if err != nil {
		internalError(w, "failed to list tours", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tours": tours,
		"total": len(tours),
	})
}

// HandleCreateTour creates a tour for a user.
func (s *Server) HandleCreateTour(w http.ResponseWriter, r *http.Request) {
	userID, ok := idParam(r, "userID")
	if !ok {
		errorJSON(w, "userID must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	var req CreateTourRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		errorJSON(w, "name is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if len(req.Name) > maxTourNameLength {
		errorJSON(w, "name is too long", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	startDate, err := parseTourDate(req.StartDate)
	if err != nil {
		errorJSON(w, "start_date must be formatted 2006-01-02", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	endDate, err := parseTourDate(req.EndDate)
	if err != nil {
		errorJSON(w, "end_date must be formatted 2006-01-02", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if startDate != nil && endDate != nil && endDate.Before(*startDate) {
		errorJSON(w, "end_date must not be before start_date", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	user, err := s.Users.GetUser(r.Context(), userID)
	if err != nil {
		internalError(w, "failed to load user", err)
		return
	}
	if user == nil {
		errorJSON(w, "user not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	tour := &domain.Tour{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		StartDate:   startDate,
		EndDate:     endDate,
	}
	if err := s.Tours.CreateTour(r.Context(), tour); err != nil {
		internalError(w, "failed to create tour", err)
		return
	}

	writeJSON(w, http.StatusCreated, tour)
}

// HandleGetTour returns a tour with the activities inside its date range.
func (s *Server) HandleGetTour(w http.ResponseWriter, r *http.Request) {
	tourID, ok := idParam(r, "tourID")
	if !ok {
		errorJSON(w, "tourID must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	tour, err := s.Tours.GetTour(r.Context(), tourID)
	if err != nil {
		internalError(w, "failed to load tour", err)
		return
	}
	if tour == nil {
		errorJSON(w, "tour not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	from, to := tourRange(tour)
	activities, err := s.Activities.ListActivitiesInRange(r.Context(), tour.UserID, from, to)
	if err != nil {
		internalError(w, "failed to list tour activities", err)
		return
	}

	items, err := s.activityResponses(r.Context(), activities, wantsLatLngs(r))
	if err != nil {
		internalError(w, "failed to load activity photos", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tour":       tour,
		"activities": items,
	})
}

// parseTourDate parses a day-resolution bound; empty means open.
func parseTourDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(tourDateFormat, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// tourRange widens the stored day-resolution bounds so an activity started
// any time on the end date still belongs to the tour.
func tourRange(t *domain.Tour) (from, to *time.Time) {
	from = t.StartDate
	if t.EndDate != nil {
		end := t.EndDate.AddDate(0, 0, 1).Add(-time.Nanosecond)
		to = &end
	}
	return from, to
}
