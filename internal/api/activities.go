package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
)

// ActivityStore defines the persistence interface for mirrored activities.
type ActivityStore interface {
	ListActivitiesByUser(ctx context.Context, userID int64, limit, offset int) ([]*domain.Activity, error)
	ListActivitiesInRange(ctx context.Context, userID int64, from, to *time.Time) ([]*domain.Activity, error)
	CountActivitiesByUser(ctx context.Context, userID int64) (int64, error)
	GetActivityPhotos(ctx context.Context, activityID int64) (*domain.ActivityPhotos, error)
}

// ActivityResponse is one activity as returned by the API: the stored row
// plus its photos, and optionally the decoded polyline points.
type ActivityResponse struct {
	*domain.Activity
	Photos  domain.PhotoMap `json:"photos"`
	LatLngs [][]float64     `json:"latlngs,omitempty"`
}

// MountActivityRoutes registers activity endpoints on the router.
func MountActivityRoutes(r chi.Router, srv *Server) {
	r.Get("/users/{userID}/activities", srv.HandleListUserActivities)
}

// wantsLatLngs reports whether the include query param asks for decoded
// polyline points. The param is a comma separated token list.
func wantsLatLngs(r *http.Request) bool {
	for _, tok := range strings.Split(r.URL.Query().Get("include"), ",") {
		if strings.TrimSpace(tok) == "latlngs" {
			return true
		}
	}
	return false
}

// HandleListUserActivities returns a page of the user's mirrored activities,
// newest first, with photos embedded. ?include=latlngs adds the decoded
// polyline points, which roughly triples the payload size.
func (s *Server) HandleListUserActivities(w http.ResponseWriter, r *http.Request) {
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

	limit, offset := parsePagination(r)
	activities, err := s.Activities.ListActivitiesByUser(r.Context(), userID, limit, offset)
	if err != nil {
		internalError(w, "failed to list activities", err)
		return
	}
	total, err := s.Activities.CountActivitiesByUser(r.Context(), userID)
	if err != nil {
		internalError(w, "failed to count activities", err)
		return
	}

	items, err := s.activityResponses(r.Context(), activities, wantsLatLngs(r))
	if err != nil {
		internalError(w, "failed to load activity photos", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activities": items,
		"total":      total,
	})
}

// activityResponses decorates activities with their stored photos and,
// when asked, decoded polylines. Activities reporting no photos skip the
// photo lookup entirely.
func (s *Server) activityResponses(ctx context.Context, activities []*domain.Activity, includeLatLngs bool) ([]ActivityResponse, error) {
	items := make([]ActivityResponse, 0, len(activities))
	for _, a := range activities {
		item := ActivityResponse{Activity: a, Photos: domain.PhotoMap{}}

		if a.TotalPhotoCount > 0 {
			photos, err := s.activityPhotos(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			item.Photos = photos
		}

		if includeLatLngs {
			latlngs, err := a.LatLngs()
			if err != nil {
				LoggerFromContext(ctx).Warn("stored polyline does not decode",
					"activity_id", a.ID, "error", err)
			} else {
				item.LatLngs = latlngs
			}
		}

		items = append(items, item)
	}
	return items, nil
}

// activityPhotos returns the decoded photo map for one activity, consulting
// PhotoCache first when configured. What gets cached is what would be
// served, so a blob that fails to decode is cached as empty rather than
// re-attempted on every request.
func (s *Server) activityPhotos(ctx context.Context, activityID int64) (domain.PhotoMap, error) {
	if s.PhotoCache != nil {
		if cached, ok := s.PhotoCache.Get(activityID); ok {
			return cached, nil
		}
	}

	photos := domain.PhotoMap{}
	stored, err := s.Activities.GetActivityPhotos(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		decoded, err := stored.Photos()
		if err != nil {
			// A blob that no longer decodes should not take the whole
			// listing down.
			LoggerFromContext(ctx).Warn("stored photo blob does not decode",
				"activity_id", activityID, "error", err)
		} else {
			photos = decoded
		}
	}

	if s.PhotoCache != nil {
		s.PhotoCache.Set(activityID, photos)
	}
	return photos, nil
}
