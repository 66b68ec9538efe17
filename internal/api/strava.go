package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// StravaConnector is the part of the upstream client the enrollment flow
// uses: building the authorize redirect and exchanging the callback code.
type StravaConnector interface {
	AuthorizeURL(redirectURI, scope, state string) string
	ExchangeToken(ctx context.Context, code string) (*strava.TokenResponse, error)
}

// TokenStore defines the persistence interface for OAuth tokens.
type TokenStore interface {
	GetTokenByUserID(ctx context.Context, userID int64) (*domain.Token, error)
	UpsertToken(ctx context.Context, t *domain.Token) error
}

// connectState is round-tripped through the OAuth flow and checked
// case-insensitively on the callback.
const connectState = "CONNECT"

// MountStravaRoutes registers the OAuth enrollment endpoints on the router.
func MountStravaRoutes(r chi.Router, srv *Server) {
	r.Get("/strava/authorize", srv.HandleStravaAuthorize)
	r.Get("/strava/callback", srv.HandleStravaCallback)
}

// HandleStravaAuthorize redirects the user to the upstream authorization page.
func (s *Server) HandleStravaAuthorize(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.Strava.AuthorizeURL(s.redirectURL(r), "", connectState), http.StatusFound)
}

// redirectURL returns the configured OAuth callback URL, or derives one from
// the incoming request when nothing is configured.
func (s *Server) redirectURL(r *http.Request) string {
	if s.RedirectURL != "" {
		return s.RedirectURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/strava/callback", scheme, r.Host)
}

// HandleStravaCallback completes the OAuth flow: it exchanges the code,
// upserts the user and their token, and provisions the poll state and
// default tour on first enrollment. Responds with {user_id, new_user},
// 201 for a brand new user.
func (s *Server) HandleStravaCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		LoggerFromContext(r.Context()).Warn("strava authorization denied", "error", errParam)
		errorJSON(w, "authorization denied: "+errParam, "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if state := q.Get("state"); !strings.EqualFold(state, connectState) {
		LoggerFromContext(r.Context()).Warn("strava callback with unexpected state", "state", state)
		errorJSON(w, "unexpected state", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		errorJSON(w, "code is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	tok, err := s.Strava.ExchangeToken(r.Context(), code)
	if err != nil {
		var badReq *strava.BadRequestError
		if errors.As(err, &badReq) {
			LoggerFromContext(r.Context()).Warn("strava rejected authorization code", "error", err)
			errorJSON(w, "strava rejected the authorization code", "UPSTREAM_REJECTED", http.StatusBadGateway)
			return
		}
		internalError(w, "token exchange failed", err)
		return
	}
	if tok.Athlete.ID == 0 {
		internalError(w, "token exchange returned no athlete", fmt.Errorf("athlete id missing in token response"))
		return
	}

	user, newUser, err := s.upsertAthlete(r.Context(), &tok.Athlete)
	if err != nil {
		internalError(w, "failed to save user", err)
		return
	}

	if err := s.upsertToken(r.Context(), user.ID, tok); err != nil {
		internalError(w, "failed to save token", err)
		return
	}

	if err := s.provisionPollState(r.Context(), user.ID); err != nil {
		internalError(w, "failed to provision poll state", err)
		return
	}

	if newUser {
		tour := &domain.Tour{
			UserID:      user.ID,
			Name:        "All Activities",
			Description: "Automatically created.",
		}
		if err := s.Tours.CreateTour(r.Context(), tour); err != nil {
			internalError(w, "failed to create default tour", err)
			return
		}
	}

	if s.Audit != nil {
		detail := fmt.Sprintf("new_user=%t", newUser)
		if err := s.Audit.Log(r.Context(), &user.ID, "connect", "/strava/callback", detail, clientIP(r)); err != nil {
			LoggerFromContext(r.Context()).Warn("audit log failed", "error", err)
		}
	}

	LoggerFromContext(r.Context()).Info("strava account connected",
		"user_id", user.ID, "strava_id", user.StravaID, "new_user", newUser)

	status := http.StatusOK
	if newUser {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"user_id":  user.ID,
		"new_user": newUser,
	})
}

// upsertAthlete creates or refreshes the local user for an upstream athlete.
// Profile fields are rewritten on every callback so renames propagate.
func (s *Server) upsertAthlete(ctx context.Context, athlete *strava.Athlete) (*domain.User, bool, error) {
	user, err := s.Users.GetUserByStravaID(ctx, athlete.ID)
	if err != nil {
		return nil, false, err
	}

	newUser := user == nil
	if newUser {
		user = &domain.User{StravaID: athlete.ID}
	}

	user.Email = optionalString(athlete.Email)
	user.Firstname = athlete.Firstname
	user.Lastname = athlete.Lastname
	user.Country = athlete.Country

	if newUser {
		err = s.Users.CreateUser(ctx, user)
	} else {
		err = s.Users.UpdateUser(ctx, user)
	}
	if err != nil {
		return nil, false, err
	}
	return user, newUser, nil
}

// upsertToken writes the exchanged token, skipping the write when the access
// token is unchanged from the stored one.
func (s *Server) upsertToken(ctx context.Context, userID int64, tok *strava.TokenResponse) error {
	existing, err := s.Tokens.GetTokenByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil && existing.AccessToken == tok.AccessToken {
		return nil
	}

	token := &domain.Token{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: optionalString(tok.RefreshToken),
	}
	if tok.ExpiresAt != 0 {
		expiresAt := time.Unix(tok.ExpiresAt, 0).UTC()
		token.ExpiresAt = &expiresAt
	}
	return s.Tokens.UpsertToken(ctx, token)
}

// provisionPollState creates the poll state on first enrollment. On
// re-authorization it clears a recorded error and restarts a stopped state:
// connecting again is how a user fixes a revoked token.
func (s *Server) provisionPollState(ctx context.Context, userID int64) error {
	ps, err := s.PollStates.GetPollStateByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if ps == nil {
		firstPage := 1
		completed := false
		return s.PollStates.CreatePollState(ctx, &domain.PollState{
			UserID:             userID,
			FullFetchNextPage:  &firstPage,
			FullFetchCompleted: &completed,
		})
	}

	if ps.ErrorHappened {
		if err := s.PollStates.ClearError(ctx, ps.ID); err != nil {
			return err
		}
	}
	if ps.Stopped {
		if err := s.PollStates.Start(ctx, ps.ID); err != nil {
			return err
		}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
