// Package strava is a minimal typed client for the Strava API v3. It covers
// the OAuth token exchange, the athlete profile, activity listings and
// activity photos, and maps upstream failures onto a small error taxonomy so
// callers can distinguish transient conditions from permanent ones.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production Strava endpoint.
	DefaultBaseURL = "https://www.strava.com"

	// DefaultTimeout bounds a single API call end to end.
	DefaultTimeout = 10 * time.Second

	// maxResponseBytes caps how much of a response body is read. Activity
	// pages and photo listings stay far below this.
	maxResponseBytes = 4 << 20

	// maxErrorBody caps how much of an error response is kept on the
	// returned error.
	maxErrorBody = 512
)

// Config carries the settings required to construct a Client.
type Config struct {
	// BaseURL overrides the upstream endpoint, mainly for tests.
	// Defaults to DefaultBaseURL.
	BaseURL string

	// ClientID and ClientSecret identify the registered application for
	// the OAuth flows. API calls with an existing token work without them.
	ClientID     string
	ClientSecret string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger receives rate limit usage at debug level. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// Client talks to the Strava API. It is safe for concurrent use.
type Client struct {
	base         *url.URL
	clientID     string
	clientSecret string
	logger       *slog.Logger
	httpc        *http.Client
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:         base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		logger:       logger,
		httpc:        &http.Client{Timeout: timeout},
	}, nil
}

// AuthorizeURL returns the authorization page URL a user is sent to when
// connecting their account. state is echoed back on the callback and scope
// follows the comma separated upstream convention.
func (c *Client) AuthorizeURL(redirectURI, scope, state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("approval_prompt", "auto")
	if scope != "" {
		q.Set("scope", scope)
	}
	if state != "" {
		q.Set("state", state)
	}
	u := c.base.JoinPath("oauth", "authorize")
	u.RawQuery = q.Encode()
	return u.String()
}

// ExchangeToken swaps an authorization code for an access token.
func (c *Client) ExchangeToken(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")

	u := c.base.JoinPath("oauth", "token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out TokenResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Athlete fetches the profile of the athlete the token belongs to.
func (c *Client) Athlete(ctx context.Context, token string) (*Athlete, error) {
	var a Athlete
	if err := c.get(ctx, token, "athlete", nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Activities lists the activities of the athlete the token belongs to,
// newest first.
func (c *Client) Activities(ctx context.Context, token string, opts ActivityListOptions) ([]Activity, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(opts.PerPage))
	}
	if opts.Before > 0 {
		q.Set("before", strconv.FormatInt(opts.Before, 10))
	}
	if opts.After > 0 {
		q.Set("after", strconv.FormatInt(opts.After, 10))
	}
	var activities []Activity
	if err := c.get(ctx, token, "athlete/activities", q, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// ActivityPhotos lists the photos of one activity. size selects the variant
// the upstream renders into each photo's urls and sizes maps.
func (c *Client) ActivityPhotos(ctx context.Context, token string, activityID int64, size int) ([]Photo, error) {
	q := url.Values{}
	q.Set("photo_sources", "true")
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	var photos []Photo
	if err := c.get(ctx, token, fmt.Sprintf("activities/%d/photos", activityID), q, &photos); err != nil {
		return nil, err
	}
	return photos, nil
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, v any) error {
	u := c.base.JoinPath("api", "v3", path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, v)
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode >= 400 {
		return errorFromResponse(resp, body)
	}

	if usage := resp.Header.Get("X-RateLimit-Usage"); usage != "" {
		c.logger.Debug("strava rate limit",
			"path", req.URL.Path,
			"usage", usage,
			"limit", resp.Header.Get("X-RateLimit-Limit"))
	}

	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &UpstreamError{Status: resp.StatusCode, Body: clip(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// errorFromResponse classifies an error status. Structured 4xx bodies become
// BadRequestError or one of the invalid token errors when the field errors
// carry the corresponding marker. Everything else, including 4xx bodies that
// are not JSON, is attributed to the upstream.
func errorFromResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 500 {
		return &UpstreamError{Status: resp.StatusCode, Body: clip(body)}
	}

	var fault struct {
		Message string       `json:"message"`
		Errors  []FieldError `json:"errors"`
	}
	var raw map[string]any
	if json.Unmarshal(body, &raw) != nil || json.Unmarshal(body, &fault) != nil {
		return &UpstreamError{Status: resp.StatusCode, Body: clip(body)}
	}

	for _, fe := range fault.Errors {
		if fe.Code != "invalid" || fe.Field != "access_token" {
			continue
		}
		data := map[string]any{
			"response_data":    raw,
			"response_headers": headerMap(resp.Header),
		}
		if fe.Resource == "Athlete" {
			return &InvalidAthleteAccessTokenError{
				InvalidAccessTokenError{Message: fault.Message, ErrorData: data},
			}
		}
		return &InvalidAccessTokenError{Message: fault.Message, ErrorData: data}
	}
	return &BadRequestError{Status: resp.StatusCode, Message: fault.Message, Errors: fault.Errors}
}

func transportError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	return &UpstreamError{Err: err}
}

func headerMap(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

func clip(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
