package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
)

// UserStore defines the persistence interface for users.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByStravaID(ctx context.Context, stravaID int64) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
	ListUsers(ctx context.Context) ([]*domain.User, error)
}

// UserResponse is one user as returned by the API: the stored row plus the
// derived display fields the portal renders.
type UserResponse struct {
	*domain.User
	Name       string `json:"name"`
	StravaLink string `json:"strava_link"`
}

func userResponse(u *domain.User) UserResponse {
	return UserResponse{User: u, Name: u.Name(), StravaLink: u.StravaLink()}
}

// MountUserRoutes registers user endpoints on the router.
func MountUserRoutes(r chi.Router, srv *Server) {
	r.Get("/users", srv.HandleListUsers)
	r.Get("/users/{userID}", srv.HandleGetUser)
}

// HandleListUsers returns all enrolled users.
func (s *Server) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.ListUsers(r.Context())
	if err != nil {
		internalError(w, "failed to list users", err)
		return
	}

	total := len(users)
	limit, offset := parsePagination(r)
	users = paginate(users, limit, offset)

	items := make([]UserResponse, 0, len(users))
	for _, u := range users {
		items = append(items, userResponse(u))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": items,
		"total": total,
	})
}

// HandleGetUser returns a single user by id.
func (s *Server) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "userID")
	if !ok {
		errorJSON(w, "userID must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	user, err := s.Users.GetUser(r.Context(), id)
	if err != nil {
		internalError(w, "failed to load user", err)
		return
	}
	if user == nil {
		errorJSON(w, "user not found", "NOT_FOUND", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, userResponse(user))
}
