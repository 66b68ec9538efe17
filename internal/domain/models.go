// Package domain defines the entities tourmap persists and the rules for
// merging upstream Strava payloads into them. Types carry json tags because
// they are serialized directly in API responses; credential material is
// tagged `json:"-"` so it can never leak through a handler.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/tourmap/tourmap/internal/strava"
)

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrWrongUser indicates an activity upsert found the upstream id already
// mirrored for a different user. This must fail the whole job; silently
// reassigning rows would corrupt both users' histories.
var ErrWrongUser = errors.New("activity belongs to a different user")

// DataError reports an upstream payload that violates a shape the mirror
// relies on. Retrying returns the same payload, so the condition is
// permanent until the upstream changes.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "data error: " + e.Reason }

// User is a person whose Strava history is mirrored. Rows are created by
// the enrollment flow; the poller only ever references them by id.
type User struct {
	ID        int64     `json:"id"`
	StravaID  int64     `json:"strava_id"`
	Email     *string   `json:"email"`
	Firstname string    `json:"firstname"`
	Lastname  string    `json:"lastname"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Name joins the non-empty name parts for display.
func (u *User) Name() string {
	if u.Firstname == "" {
		return u.Lastname
	}
	if u.Lastname == "" {
		return u.Firstname
	}
	return u.Firstname + " " + u.Lastname
}

// StravaLink returns the public athlete page for the user.
func (u *User) StravaLink() string {
	return fmt.Sprintf("https://www.strava.com/athletes/%d", u.StravaID)
}

// Token is the OAuth credential for one user, 1:1 with User. The poller
// consumes it read-only; only the enrollment flow writes it.
type Token struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	AccessToken  string     `json:"-"`
	RefreshToken *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PollState tracks mirroring progress for one user, 1:1 with User. The
// full_fetch_* fields drive the initial history walk; afterwards only
// last_fetch_completed_at advances. Error fields record the last failure
// without stopping the poller; Stopped excludes the row entirely.
type PollState struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	FullFetchNextPage    *int       `json:"full_fetch_next_page"`
	FullFetchPerPage     *int       `json:"full_fetch_per_page"`
	FullFetchCompleted   *bool      `json:"full_fetch_completed"`
	LastFetchCompletedAt *time.Time `json:"last_fetch_completed_at"`
	TotalFetches         int64      `json:"total_fetches"`
	ErrorHappened        bool       `json:"error_happened"`
	ErrorHappenedAt      *time.Time `json:"error_happened_at"`
	ErrorMessage         *string    `json:"error_message"`
	ErrorData            string     `json:"error_data"`
	Stopped              bool       `json:"stopped"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// FullFetchDone reports whether the initial history walk has finished.
// A NULL column reads as false.
func (ps *PollState) FullFetchDone() bool {
	return ps.FullFetchCompleted != nil && *ps.FullFetchCompleted
}

// Activity is one mirrored Strava activity, keyed by StravaID. Timestamps
// are stored as naive UTC; UTCOffset and Timezone preserve the local
// reading.
type Activity struct {
	ID                 int64     `json:"id"`
	UserID             int64     `json:"user_id"`
	StravaID           int64     `json:"strava_id"`
	ExternalID         *string   `json:"external_id"`
	Type               string    `json:"type"`
	Name               string    `json:"name"`
	Description        *string   `json:"description"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	AverageTemp        *float64  `json:"average_temp"`
	StartDate          time.Time `json:"start_date"`
	StartDateLocal     time.Time `json:"start_date_local"`
	UTCOffset          int       `json:"utc_offset"`
	Timezone           *string   `json:"timezone"`
	StartLat           *float64  `json:"start_lat"`
	StartLng           *float64  `json:"start_lng"`
	EndLat             *float64  `json:"end_lat"`
	EndLng             *float64  `json:"end_lng"`
	SummaryPolyline    *string   `json:"summary_polyline"`
	TotalPhotoCount    int       `json:"total_photo_count"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ApplyStrava merges an upstream summary activity into a. Every field is
// overwritten from the source, with two exceptions: a missing timezone or
// description keeps the existing value instead of nulling it. The start and
// end coordinates are overwritten unconditionally, clearing them when the
// source has none.
func (a *Activity) ApplyStrava(src *strava.Activity) error {
	if a.StravaID != 0 && a.StravaID != src.ID {
		return fmt.Errorf("activity strava id mismatch: %d != %d", a.StravaID, src.ID)
	}

	startDate, err := ParseUTCTimestamp(src.StartDate)
	if err != nil {
		return err
	}
	startDateLocal, err := ParseUTCTimestamp(src.StartDateLocal)
	if err != nil {
		return err
	}

	a.StravaID = src.ID
	a.ExternalID = stringPtr(src.ExternalID)
	a.Type = src.Type
	a.Name = src.Name
	if src.Description != nil {
		a.Description = src.Description
	}
	a.Distance = src.Distance
	a.MovingTime = src.MovingTime
	a.ElapsedTime = src.ElapsedTime
	a.TotalElevationGain = src.TotalElevationGain
	a.AverageTemp = src.AverageTemp
	a.StartDate = startDate
	a.StartDateLocal = startDateLocal
	a.UTCOffset = int(src.UTCOffset)
	if src.Timezone != "" {
		tz := src.Timezone
		a.Timezone = &tz
	}
	a.StartLat, a.StartLng = latLngPair(src.StartLatLng)
	a.EndLat, a.EndLng = latLngPair(src.EndLatLng)
	a.SummaryPolyline = stringPtr(src.Map.SummaryPolyline)
	a.TotalPhotoCount = src.TotalPhotoCount
	return nil
}

// LatLngs decodes the summary polyline into [lat, lng] pairs. Activities
// without a track return nil.
func (a *Activity) LatLngs() ([][]float64, error) {
	if a.SummaryPolyline == nil || *a.SummaryPolyline == "" {
		return nil, nil
	}
	coords, _, err := polyline.DecodeCoords([]byte(*a.SummaryPolyline))
	if err != nil {
		return nil, &DataError{Reason: fmt.Sprintf("decode polyline: %v", err)}
	}
	return coords, nil
}

// ActivityPhotos stores the serialized photo map of one activity, 1:1 with
// Activity. Data is the canonical JSON produced by PhotoMap.Encode; the
// applier rewrites the row only when that serialization changes.
type ActivityPhotos struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ActivityID int64     `json:"activity_id"`
	Data       string    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Photos decodes the stored blob back into a PhotoMap.
func (p *ActivityPhotos) Photos() (PhotoMap, error) {
	return DecodePhotoMap(p.Data)
}

// Tour groups a user's activities over a date range for presentation.
type Tour struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ActivityInfo pairs one upstream activity with its fetched photo map.
// Photos is empty when the activity reports no photos.
type ActivityInfo struct {
	Activity strava.Activity
	Photos   PhotoMap
}

// StateUpdate is the named-field patch a fetch produces. Nil fields are
// left untouched; applying any update also increments total_fetches and
// stamps last_fetch_completed_at.
type StateUpdate struct {
	FullFetchNextPage  *int
	FullFetchPerPage   *int
	FullFetchCompleted *bool
}

// FetchResult is the envelope one fetch worker call returns: everything the
// applier needs to advance a poll state in a single transaction.
type FetchResult struct {
	ActivityInfos []ActivityInfo
	StateUpdate   StateUpdate
}

// AuditEntry records one administrative action (enrollment, poll-state
// stop/start/clear-error) for the operator trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	UserID    *int64    `json:"user_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
}

// ParseUTCTimestamp parses an upstream timestamp and requires it to read as
// UTC: either an explicit zero offset or no offset at all. Anything else is
// a DataError since the mirror stores naive UTC timestamps.
func ParseUTCTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		// Strava omits the zone suffix on some local dates.
		t, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, &DataError{Reason: fmt.Sprintf("parse timestamp %q: %v", s, err)}
		}
		return t.UTC(), nil
	}
	if _, offset := t.Zone(); offset != 0 {
		return time.Time{}, &DataError{Reason: fmt.Sprintf("timestamp %q has a non-zero utc offset", s)}
	}
	return t.UTC(), nil
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func latLngPair(ll []float64) (*float64, *float64) {
	if len(ll) != 2 {
		return nil, nil
	}
	lat, lng := ll[0], ll[1]
	return &lat, &lng
}
