package strava

// TokenResponse is the payload returned by the OAuth token exchange.
// ExpiresAt is Unix seconds; RefreshToken and ExpiresAt may be zero for
// older application grants.
type TokenResponse struct {
	AccessToken  string  `json:"access_token"`
	TokenType    string  `json:"token_type"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    int64   `json:"expires_at"`
	Athlete      Athlete `json:"athlete"`
}

// Athlete is the subset of the athlete profile the enrollment flow consumes.
type Athlete struct {
	ID            int64  `json:"id"`
	ResourceState int    `json:"resource_state"`
	Username      string `json:"username"`
	Firstname     string `json:"firstname"`
	Lastname      string `json:"lastname"`
	Email         string `json:"email"`
	Country       string `json:"country"`
}

// ActivityListOptions narrows an activity listing. Zero values are omitted
// from the request. Before and After are Unix seconds bounding the activity
// start time.
type ActivityListOptions struct {
	Page    int
	PerPage int
	Before  int64
	After   int64
}

// Activity is a summary activity as returned by the athlete activities
// listing. Timestamps are kept as the raw wire strings; parsing and UTC
// validation happen at the persistence boundary.
type Activity struct {
	ID                 int64       `json:"id"`
	ResourceState      int         `json:"resource_state"`
	ExternalID         string      `json:"external_id"`
	Type               string      `json:"type"`
	Name               string      `json:"name"`
	Description        *string     `json:"description"`
	Distance           float64     `json:"distance"`
	MovingTime         int         `json:"moving_time"`
	ElapsedTime        int         `json:"elapsed_time"`
	TotalElevationGain float64     `json:"total_elevation_gain"`
	AverageTemp        *float64    `json:"average_temp"`
	StartDate          string      `json:"start_date"`
	StartDateLocal     string      `json:"start_date_local"`
	UTCOffset          float64     `json:"utc_offset"`
	Timezone           string      `json:"timezone"`
	StartLatLng        []float64   `json:"start_latlng"`
	EndLatLng          []float64   `json:"end_latlng"`
	Map                ActivityMap `json:"map"`
	TotalPhotoCount    int         `json:"total_photo_count"`
}

// ActivityMap carries the encoded track of an activity.
type ActivityMap struct {
	ID              string `json:"id"`
	SummaryPolyline string `json:"summary_polyline"`
	ResourceState   int    `json:"resource_state"`
}

// Photo is one entry of an activity photo listing. URLs and Sizes are keyed
// by the size label the upstream chose for the requested size; Sizes values
// are [width, height] pairs.
type Photo struct {
	UniqueID   string           `json:"unique_id"`
	ActivityID int64            `json:"activity_id"`
	Caption    *string          `json:"caption"`
	Source     int              `json:"source"`
	URLs       map[string]string `json:"urls"`
	Sizes      map[string][]int `json:"sizes"`
}
