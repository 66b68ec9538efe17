package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
)

// AuditStore records administrative actions for the operator trail.
type AuditStore interface {
	Log(ctx context.Context, userID *int64, action, resource, detail, ip string) error
	List(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)
}

// clientIP extracts the caller's address, preferring the X-Real-Ip header a
// fronting proxy sets over the raw remote address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// AuditMiddleware logs mutating API requests (POST, PUT, DELETE) to the
// audit store. Entries are captured before calling the next handler so that
// logging does not race with the response being sent; after the handler
// returns, the request context may already be cancelled.
//
// The API has no authentication, so entries carry a nil user id. Enrollment
// is a GET and is logged explicitly by its handler instead.
func AuditMiddleware(store AuditStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
				action := strings.ToLower(r.Method)
				if err := store.Log(r.Context(), nil, action, r.URL.Path, "", clientIP(r)); err != nil {
					slog.Warn("audit log failed", "error", err)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MountAuditRoutes registers audit log endpoints on the router.
func MountAuditRoutes(r chi.Router, srv *Server) {
	r.Get("/audit", srv.HandleListAuditLog)
}

// HandleListAuditLog returns recent audit log entries, newest first.
func (s *Server) HandleListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	entries, err := s.Audit.List(r.Context(), limit, offset)
	if err != nil {
		internalError(w, "failed to list audit log", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}
