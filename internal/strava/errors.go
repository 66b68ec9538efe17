package strava

import "fmt"

// FieldError is one entry of the "errors" list Strava attaches to 4xx
// responses, naming the offending resource and field.
type FieldError struct {
	Resource string `json:"resource"`
	Field    string `json:"field"`
	Code     string `json:"code"`
}

// TimeoutError reports a request that did not complete within the client
// timeout. It is transient and safe to retry.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strava: request timed out: %v", e.Err)
	}
	return "strava: request timed out"
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UpstreamError reports a transport failure or a non-4xx error status. The
// condition is attributed to the upstream and is considered retryable.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strava: request failed: %v", e.Err)
	}
	return fmt.Sprintf("strava: upstream returned status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// BadRequestError is a structured 4xx response that does not indicate a
// revoked or invalid token. Retrying the same request will fail the same way.
type BadRequestError struct {
	Status  int
	Message string
	Errors  []FieldError
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("strava: bad request (status %d): %s", e.Status, e.Message)
}

// InvalidAccessTokenError is a 4xx response carrying an "invalid
// access_token" marker. ErrorData preserves the decoded response body and
// headers for diagnosis.
type InvalidAccessTokenError struct {
	Message   string
	ErrorData map[string]any
}

func (e *InvalidAccessTokenError) Error() string {
	return fmt.Sprintf("strava: invalid access token: %s", e.Message)
}

// InvalidAthleteAccessTokenError is the athlete-scoped variant of
// InvalidAccessTokenError, raised when the token was revoked or expired for
// the athlete itself. Matching errors.As against InvalidAccessTokenError
// also succeeds via Unwrap.
type InvalidAthleteAccessTokenError struct {
	InvalidAccessTokenError
}

func (e *InvalidAthleteAccessTokenError) Unwrap() error {
	return &e.InvalidAccessTokenError
}
