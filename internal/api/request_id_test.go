package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourmap/tourmap/internal/api"
)

// traceRequest runs one request through the RequestID middleware and returns
// the ID the handler saw plus the recorder.
func traceRequest(t *testing.T, mutate func(*http.Request)) (string, *httptest.ResponseRecorder) {
	t.Helper()

	var seen string
	handler := api.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = api.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", http.NoBody)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return seen, rec
}

func TestRequestID_GeneratesUUIDWhenHeaderAbsent(t *testing.T) {
	seen, rec := traceRequest(t, nil)

	require.NotEmpty(t, seen)
	_, err := uuid.Parse(seen)
	require.NoError(t, err, "a generated request ID should parse as a UUID")
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"),
		"handler and response must see the same ID")
}

func TestRequestID_KeepsCallerProvidedID(t *testing.T) {
	seen, rec := traceRequest(t, func(r *http.Request) {
		r.Header.Set("X-Request-ID", "edge-proxy-7f3a")
	})

	assert.Equal(t, "edge-proxy-7f3a", seen)
	assert.Equal(t, "edge-proxy-7f3a", rec.Header().Get("X-Request-ID"))
}

func TestRequestID_GeneratedIDsDoNotRepeat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, _ := traceRequest(t, nil)
		assert.False(t, seen[id], "request ID %q repeated", id)
		seen[id] = true
	}
}

func TestRequestIDFromContext_BareContext(t *testing.T) {
	assert.Empty(t, api.RequestIDFromContext(context.Background()))
}

func TestContextWithRequestID_RoundTrips(t *testing.T) {
	ctx := api.ContextWithRequestID(context.Background(), "test-id-42")
	assert.Equal(t, "test-id-42", api.RequestIDFromContext(ctx))
}

func TestRequestID_InjectsRequestScopedLogger(t *testing.T) {
	handler := api.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, api.LoggerFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggerFromContext_FallsBackToDefault(t *testing.T) {
	assert.NotNil(t, api.LoggerFromContext(context.Background()),
		"contexts without a request logger fall back to slog.Default")
}
