package api_test

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/tourmap/tourmap/internal/api"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// memoryUserStore is an in-memory UserStore for tests.
type memoryUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  []domain.User
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{nextID: 1}
}

func (m *memoryUserStore) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.StravaID == u.StravaID {
			return fmt.Errorf("create user: %w", domain.ErrAlreadyExists)
		}
	}
	u.ID = m.nextID
	m.nextID++
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	m.users = append(m.users, *u)
	return nil
}

func (m *memoryUserStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *memoryUserStore) GetUserByStravaID(_ context.Context, stravaID int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.StravaID == stravaID {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *memoryUserStore) UpdateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.users {
		if m.users[i].ID == u.ID {
			updated := *u
			updated.CreatedAt = m.users[i].CreatedAt
			updated.UpdatedAt = time.Now().UTC()
			m.users[i] = updated
			return nil
		}
	}
	return fmt.Errorf("user %d not found", u.ID)
}

func (m *memoryUserStore) ListUsers(_ context.Context) ([]*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*domain.User, 0, len(m.users))
	for _, u := range m.users {
		u := u
		result = append(result, &u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// memoryActivityStore is an in-memory ActivityStore for tests.
type memoryActivityStore struct {
	mu         sync.Mutex
	nextID     int64
	activities []domain.Activity
	photoBlobs map[int64]string // keyed by activity id
}

func newMemoryActivityStore() *memoryActivityStore {
	return &memoryActivityStore{nextID: 1, photoBlobs: make(map[int64]string)}
}

func (m *memoryActivityStore) add(a domain.Activity) *domain.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.ID = m.nextID
	m.nextID++
	m.activities = append(m.activities, a)
	return &a
}

func (m *memoryActivityStore) setPhotoBlob(activityID int64, blob string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photoBlobs[activityID] = blob
}

func (m *memoryActivityStore) ListActivitiesByUser(_ context.Context, userID int64, limit, offset int) ([]*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []domain.Activity
	for _, a := range m.activities {
		if a.UserID == userID {
			owned = append(owned, a)
		}
	}
	// Newest first, like the SQL store.
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].StartDate.Equal(owned[j].StartDate) {
			return owned[i].StartDate.After(owned[j].StartDate)
		}
		return owned[i].ID > owned[j].ID
	})

	if offset >= len(owned) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(owned) {
		end = len(owned)
	}

	result := make([]*domain.Activity, 0, end-offset)
	for _, a := range owned[offset:end] {
		a := a
		result = append(result, &a)
	}
	return result, nil
}

func (m *memoryActivityStore) ListActivitiesInRange(_ context.Context, userID int64, from, to *time.Time) ([]*domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.Activity
	for _, a := range m.activities {
		if a.UserID != userID {
			continue
		}
		if from != nil && a.StartDate.Before(*from) {
			continue
		}
		if to != nil && a.StartDate.After(*to) {
			continue
		}
		a := a
		result = append(result, &a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartDate.Equal(result[j].StartDate) {
			return result[i].StartDate.Before(result[j].StartDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *memoryActivityStore) CountActivitiesByUser(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, a := range m.activities {
		if a.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *memoryActivityStore) GetActivityPhotos(_ context.Context, activityID int64) (*domain.ActivityPhotos, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.photoBlobs[activityID]
	if !ok {
		return nil, nil
	}
	return &domain.ActivityPhotos{ActivityID: activityID, Data: blob}, nil
}

// memoryTourStore is an in-memory TourStore for tests.
type memoryTourStore struct {
	mu     sync.Mutex
	nextID int64
	tours  []domain.Tour
}

func newMemoryTourStore() *memoryTourStore {
	return &memoryTourStore{nextID: 1}
}

func (m *memoryTourStore) CreateTour(_ context.Context, t *domain.Tour) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t.ID = m.nextID
	m.nextID++
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	m.tours = append(m.tours, *t)
	return nil
}

func (m *memoryTourStore) GetTour(_ context.Context, id int64) (*domain.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tours {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, nil
}

func (m *memoryTourStore) ListToursByUser(_ context.Context, userID int64) ([]*domain.Tour, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.Tour
	for _, t := range m.tours {
		if t.UserID == userID {
			t := t
			result = append(result, &t)
		}
	}
	return result, nil
}

// memoryPollStateStore is an in-memory PollStateStore for tests.
type memoryPollStateStore struct {
	mu     sync.Mutex
	nextID int64
	states map[int64]*domain.PollState
}

func newMemoryPollStateStore() *memoryPollStateStore {
	return &memoryPollStateStore{nextID: 1, states: make(map[int64]*domain.PollState)}
}

func (m *memoryPollStateStore) put(ps *domain.PollState) *domain.PollState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps.ID == 0 {
		ps.ID = m.nextID
		m.nextID++
	}
	cp := *ps
	m.states[ps.ID] = &cp
	return ps
}

func (m *memoryPollStateStore) snapshot(id int64) (domain.PollState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[id]
	if !ok {
		return domain.PollState{}, false
	}
	return *ps, true
}

func (m *memoryPollStateStore) CreatePollState(_ context.Context, ps *domain.PollState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.states {
		if existing.UserID == ps.UserID {
			return fmt.Errorf("create poll state: %w", domain.ErrAlreadyExists)
		}
	}
	ps.ID = m.nextID
	m.nextID++
	ps.CreatedAt = time.Now().UTC()
	ps.UpdatedAt = ps.CreatedAt
	cp := *ps
	m.states[ps.ID] = &cp
	return nil
}

func (m *memoryPollStateStore) GetPollState(_ context.Context, id int64) (*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	cp := *ps
	return &cp, nil
}

func (m *memoryPollStateStore) GetPollStateByUserID(_ context.Context, userID int64) (*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ps := range m.states {
		if ps.UserID == userID {
			cp := *ps
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryPollStateStore) ListPollStates(_ context.Context) ([]*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*domain.PollState, 0, len(m.states))
	for _, ps := range m.states {
		cp := *ps
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *memoryPollStateStore) ListEligible(_ context.Context, olderThan time.Time, exclude []int64) ([]*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var result []*domain.PollState
	for _, ps := range m.states {
		if ps.Stopped || excluded[ps.ID] {
			continue
		}
		if ps.FullFetchDone() && ps.LastFetchCompletedAt != nil && ps.LastFetchCompletedAt.After(olderThan) {
			continue
		}
		cp := *ps
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *memoryPollStateStore) MarkError(_ context.Context, id int64, message string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[id]
	if !ok {
		return fmt.Errorf("poll state %d not found", id)
	}
	now := time.Now().UTC()
	ps.ErrorHappened = true
	ps.ErrorHappenedAt = &now
	ps.ErrorMessage = &message
	ps.LastFetchCompletedAt = &now
	return nil
}

func (m *memoryPollStateStore) ClearError(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[id]
	if !ok {
		return fmt.Errorf("poll state %d not found", id)
	}
	ps.ErrorHappened = false
	ps.ErrorHappenedAt = nil
	ps.ErrorMessage = nil
	ps.ErrorData = ""
	return nil
}

func (m *memoryPollStateStore) Stop(_ context.Context, id int64) error {
	return m.setStopped(id, true)
}

func (m *memoryPollStateStore) Start(_ context.Context, id int64) error {
	return m.setStopped(id, false)
}

func (m *memoryPollStateStore) setStopped(id int64, stopped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[id]
	if !ok {
		return fmt.Errorf("poll state %d not found", id)
	}
	ps.Stopped = stopped
	return nil
}

func (m *memoryPollStateStore) ApplyFetchResult(_ context.Context, pollStateID, _ int64, res *domain.FetchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.states[pollStateID]
	if !ok {
		return fmt.Errorf("poll state %d not found", pollStateID)
	}
	if res.StateUpdate.FullFetchNextPage != nil {
		ps.FullFetchNextPage = res.StateUpdate.FullFetchNextPage
	}
	if res.StateUpdate.FullFetchPerPage != nil {
		ps.FullFetchPerPage = res.StateUpdate.FullFetchPerPage
	}
	if res.StateUpdate.FullFetchCompleted != nil {
		ps.FullFetchCompleted = res.StateUpdate.FullFetchCompleted
	}
	now := time.Now().UTC()
	ps.TotalFetches++
	ps.LastFetchCompletedAt = &now
	return nil
}

// memoryTokenStore is an in-memory TokenStore for tests.
type memoryTokenStore struct {
	mu     sync.Mutex
	nextID int64
	tokens map[int64]*domain.Token // keyed by user id
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{nextID: 1, tokens: make(map[int64]*domain.Token)}
}

func (m *memoryTokenStore) GetTokenByUserID(_ context.Context, userID int64) (*domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[userID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memoryTokenStore) UpsertToken(_ context.Context, t *domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tokens[t.UserID]; ok {
		t.ID = existing.ID
	} else {
		t.ID = m.nextID
		m.nextID++
	}
	cp := *t
	m.tokens[t.UserID] = &cp
	return nil
}

// memoryAuditStore is an in-memory AuditStore for tests.
type memoryAuditStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []domain.AuditEntry
}

func newMemoryAuditStore() *memoryAuditStore {
	return &memoryAuditStore{nextID: 1}
}

func (m *memoryAuditStore) Log(_ context.Context, userID *int64, action, resource, detail, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, domain.AuditEntry{
		ID:        m.nextID,
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	})
	m.nextID++
	return nil
}

func (m *memoryAuditStore) List(_ context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Newest first, like the SQL store.
	result := make([]domain.AuditEntry, len(m.entries))
	for i, e := range m.entries {
		result[len(m.entries)-1-i] = e
	}
	if offset >= len(result) {
		return nil, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], nil
}

func (m *memoryAuditStore) all() []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]domain.AuditEntry, len(m.entries))
	copy(result, m.entries)
	return result
}

// fakeConnector is a canned StravaConnector for enrollment tests.
type fakeConnector struct {
	mu        sync.Mutex
	exchanged []string
	response  *strava.TokenResponse
	err       error
}

func (f *fakeConnector) AuthorizeURL(redirectURI, scope, state string) string {
	q := url.Values{}
	q.Set("client_id", "12345")
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("approval_prompt", "auto")
	if scope != "" {
		q.Set("scope", scope)
	}
	if state != "" {
		q.Set("state", state)
	}
	return "https://www.strava.com/oauth/authorize?" + q.Encode()
}

func (f *fakeConnector) ExchangeToken(_ context.Context, code string) (*strava.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchanged = append(f.exchanged, code)
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeConnector) exchangedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]string, len(f.exchanged))
	copy(result, f.exchanged)
	return result
}

// testStores bundles the memory stores behind one test server.
type testStores struct {
	users      *memoryUserStore
	activities *memoryActivityStore
	tours      *memoryTourStore
	pollStates *memoryPollStateStore
	tokens     *memoryTokenStore
	audit      *memoryAuditStore
	connector  *fakeConnector
}

func newTestServer() (*api.Server, *testStores) {
	st := &testStores{
		users:      newMemoryUserStore(),
		activities: newMemoryActivityStore(),
		tours:      newMemoryTourStore(),
		pollStates: newMemoryPollStateStore(),
		tokens:     newMemoryTokenStore(),
		audit:      newMemoryAuditStore(),
		connector:  &fakeConnector{},
	}
	srv := &api.Server{
		Users:      st.users,
		Activities: st.activities,
		Tours:      st.tours,
		PollStates: st.pollStates,
		Tokens:     st.tokens,
		Audit:      st.audit,
		Strava:     st.connector,
	}
	return srv, st
}

// seedUser inserts a user and returns it with its assigned id.
func (st *testStores) seedUser(stravaID int64) *domain.User {
	u := &domain.User{
		StravaID:  stravaID,
		Firstname: "Test",
		Lastname:  "User",
		Country:   "Germany",
	}
	if err := st.users.CreateUser(context.Background(), u); err != nil {
		panic(err)
	}
	return u
}

// seedActivity inserts an activity starting at the given time.
func (st *testStores) seedActivity(userID, stravaID int64, start time.Time) *domain.Activity {
	return st.activities.add(domain.Activity{
		UserID:    userID,
		StravaID:  stravaID,
		Type:      "Ride",
		Name:      fmt.Sprintf("Ride %d", stravaID),
		StartDate: start,
	})
}

// tokenResponse builds a canned OAuth exchange result for the athlete.
func tokenResponse(stravaID int64, accessToken string) *strava.TokenResponse {
	return &strava.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: "refresh-" + accessToken,
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
		Athlete: strava.Athlete{
			ID:            stravaID,
			ResourceState: 2,
			Username:      "testuser",
			Firstname:     "FirstTest",
			Lastname:      "LastTest",
			Email:         "no.spam@example.com",
			Country:       "Germany",
		},
	}
}
