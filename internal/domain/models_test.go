package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// morningRide is a summary activity as the listing endpoint returns it.
func morningRide() strava.Activity {
	return strava.Activity{
		ID:                 981285468,
		ResourceState:      2,
		ExternalID:         "morning-ride.fit",
		Type:               "Ride",
		Name:               "Morning Ride",
		Distance:           32424.2,
		MovingTime:         5516,
		ElapsedTime:        7634,
		TotalElevationGain: 472.0,
		StartDate:          "2017-06-19T17:24:05Z",
		StartDateLocal:     "2017-06-19T10:24:05Z",
		UTCOffset:          -25200.0,
		Timezone:           "(GMT-08:00) America/Los_Angeles",
		StartLatLng:        []float64{37.72, -122.4},
		EndLatLng:          []float64{37.57, -122.32},
		Map:                strava.ActivityMap{ID: "a981285468", SummaryPolyline: "_mdeFzxbjVGD", ResourceState: 2},
		TotalPhotoCount:    2,
	}
}

func TestActivity_ApplyStrava_SetsAllFields(t *testing.T) {
	src := morningRide()
	var a domain.Activity
	require.NoError(t, a.ApplyStrava(&src))

	assert.Equal(t, int64(981285468), a.StravaID)
	require.NotNil(t, a.ExternalID)
	assert.Equal(t, "morning-ride.fit", *a.ExternalID)
	assert.Equal(t, "Ride", a.Type)
	assert.Equal(t, "Morning Ride", a.Name)
	assert.Equal(t, 32424.2, a.Distance)
	assert.Equal(t, 5516, a.MovingTime)
	assert.Equal(t, 7634, a.ElapsedTime)
	assert.Equal(t, 472.0, a.TotalElevationGain)
	assert.Nil(t, a.AverageTemp)
	assert.Equal(t, time.Date(2017, 6, 19, 17, 24, 5, 0, time.UTC), a.StartDate)
	assert.Equal(t, time.Date(2017, 6, 19, 10, 24, 5, 0, time.UTC), a.StartDateLocal)
	assert.Equal(t, -25200, a.UTCOffset)
	require.NotNil(t, a.Timezone)
	assert.Equal(t, "(GMT-08:00) America/Los_Angeles", *a.Timezone)
	require.NotNil(t, a.StartLat)
	assert.Equal(t, 37.72, *a.StartLat)
	require.NotNil(t, a.EndLng)
	assert.Equal(t, -122.32, *a.EndLng)
	require.NotNil(t, a.SummaryPolyline)
	assert.Equal(t, "_mdeFzxbjVGD", *a.SummaryPolyline)
	assert.Equal(t, 2, a.TotalPhotoCount)
}

func TestActivity_ApplyStrava_MissingTimezoneKeepsExisting(t *testing.T) {
	src := morningRide()
	src.Timezone = ""

	tz := "Europe/Berlin"
	a := domain.Activity{StravaID: src.ID, Timezone: &tz}
	require.NoError(t, a.ApplyStrava(&src))

	require.NotNil(t, a.Timezone)
	assert.Equal(t, "Europe/Berlin", *a.Timezone)
}

func TestActivity_ApplyStrava_MissingDescriptionKeepsExisting(t *testing.T) {
	src := morningRide()

	desc := "three passes in one day"
	a := domain.Activity{StravaID: src.ID, Description: &desc}
	require.NoError(t, a.ApplyStrava(&src))

	require.NotNil(t, a.Description)
	assert.Equal(t, "three passes in one day", *a.Description)
}

func TestActivity_ApplyStrava_ClearsCoordinatesWhenSourceHasNone(t *testing.T) {
	src := morningRide()
	src.StartLatLng = nil
	src.EndLatLng = []float64{}

	lat, lng := 37.72, -122.4
	a := domain.Activity{StravaID: src.ID, StartLat: &lat, StartLng: &lng, EndLat: &lat, EndLng: &lng}
	require.NoError(t, a.ApplyStrava(&src))

	assert.Nil(t, a.StartLat)
	assert.Nil(t, a.StartLng)
	assert.Nil(t, a.EndLat)
	assert.Nil(t, a.EndLng)
}

func TestActivity_ApplyStrava_NonUTCStartDateFails(t *testing.T) {
	src := morningRide()
	src.StartDate = "2017-06-19T17:24:05+02:00"

	var a domain.Activity
	err := a.ApplyStrava(&src)
	require.Error(t, err)

	var dataErr *domain.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func TestActivity_ApplyStrava_NaiveTimestampReadsAsUTC(t *testing.T) {
	src := morningRide()
	src.StartDateLocal = "2017-06-19T10:24:05"

	var a domain.Activity
	require.NoError(t, a.ApplyStrava(&src))
	assert.Equal(t, time.Date(2017, 6, 19, 10, 24, 5, 0, time.UTC), a.StartDateLocal)
}

func TestActivity_ApplyStrava_WrongStravaIDFails(t *testing.T) {
	src := morningRide()
	a := domain.Activity{StravaID: 42}
	assert.Error(t, a.ApplyStrava(&src))
}

func TestActivity_LatLngs_DecodesPolyline(t *testing.T) {
	track := "_p~iF~ps|U_ulLnnqC_mqNvxq`@"
	a := domain.Activity{SummaryPolyline: &track}

	coords, err := a.LatLngs()
	require.NoError(t, err)
	require.Len(t, coords, 3)
	assert.InDelta(t, 38.5, coords[0][0], 1e-9)
	assert.InDelta(t, -120.2, coords[0][1], 1e-9)
	assert.InDelta(t, 43.252, coords[2][0], 1e-9)
	assert.InDelta(t, -126.453, coords[2][1], 1e-9)
}

func TestActivity_LatLngs_NoPolylineReturnsNil(t *testing.T) {
	var a domain.Activity
	coords, err := a.LatLngs()
	require.NoError(t, err)
	assert.Nil(t, coords)
}

func TestPollState_FullFetchDone_TreatsNullAsFalse(t *testing.T) {
	var ps domain.PollState
	assert.False(t, ps.FullFetchDone())

	f := false
	ps.FullFetchCompleted = &f
	assert.False(t, ps.FullFetchDone())

	tr := true
	ps.FullFetchCompleted = &tr
	assert.True(t, ps.FullFetchDone())
}

func TestUser_Name_SkipsEmptyParts(t *testing.T) {
	u := domain.User{Firstname: "First", Lastname: "Last"}
	assert.Equal(t, "First Last", u.Name())

	u = domain.User{Firstname: "First"}
	assert.Equal(t, "First", u.Name())

	u = domain.User{Lastname: "Last"}
	assert.Equal(t, "Last", u.Name())
}
