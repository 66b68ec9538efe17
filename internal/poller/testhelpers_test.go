package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tourmap/tourmap/internal/config"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// --- Mock stores ---

// markErrorCall records one MarkError invocation.
type markErrorCall struct {
	id      int64
	message string
	data    map[string]any
}

// mockPollStateStore is an in-memory PollStateStore that mirrors the
// eligibility and error semantics of the Postgres store closely enough for
// loop tests.
type mockPollStateStore struct {
	mu         sync.Mutex
	states     map[int64]*domain.PollState
	activities map[int64]strava.Activity
	photos     map[int64]domain.PhotoMap
	eligible   [][]int64 // exclude argument of every ListEligible call
	marked     []markErrorCall
	applies    int
	applyErr   error // forced ApplyFetchResult failure when set
	listErr    error // forced ListEligible failure when set
}

func newMockPollStateStore() *mockPollStateStore {
	return &mockPollStateStore{
		states:     make(map[int64]*domain.PollState),
		activities: make(map[int64]strava.Activity),
		photos:     make(map[int64]domain.PhotoMap),
	}
}

func (m *mockPollStateStore) put(ps *domain.PollState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ps
	m.states[ps.ID] = &cp
}

// snapshot returns a copy of one state for assertions.
func (m *mockPollStateStore) snapshot(id int64) (domain.PollState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.states[id]
	if !ok {
		return domain.PollState{}, false
	}
	return *ps, true
}

func (m *mockPollStateStore) eligibleCalls() [][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([][]int64, len(m.eligible))
	copy(calls, m.eligible)
	return calls
}

func (m *mockPollStateStore) markCalls() []markErrorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]markErrorCall, len(m.marked))
	copy(calls, m.marked)
	return calls
}

func (m *mockPollStateStore) applyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies
}

func (m *mockPollStateStore) activityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activities)
}

func (m *mockPollStateStore) CreatePollState(_ context.Context, ps *domain.PollState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps.ID = int64(len(m.states) + 1)
	cp := *ps
	m.states[ps.ID] = &cp
	return nil
}

func (m *mockPollStateStore) GetPollState(_ context.Context, id int64) (*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	cp := *ps
	return &cp, nil
}

func (m *mockPollStateStore) GetPollStateByUserID(_ context.Context, userID int64) (*domain.PollState, error) {
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

func (m *mockPollStateStore) ListPollStates(_ context.Context) ([]*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*domain.PollState, 0, len(m.states))
	for _, ps := range m.states {
		cp := *ps
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockPollStateStore) ListEligible(_ context.Context, olderThan time.Time, exclude []int64) ([]*domain.PollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eligible = append(m.eligible, append([]int64(nil), exclude...))
	if m.listErr != nil {
		return nil, m.listErr
	}

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var result []*domain.PollState
	for _, ps := range m.states {
		if ps.Stopped || excluded[ps.ID] {
			continue
		}
		latestDue := ps.LastFetchCompletedAt == nil || ps.LastFetchCompletedAt.Before(olderThan)
		if ps.FullFetchDone() && !latestDue {
			continue
		}
		cp := *ps
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockPollStateStore) MarkError(_ context.Context, id int64, message string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.states[id]
	if !ok {
		return fmt.Errorf("poll state %d not found", id)
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return err
	}
	now := time.Now()
	ps.ErrorHappened = true
	ps.ErrorHappenedAt = &now
	ps.ErrorMessage = &message
	ps.ErrorData = string(blob)
	ps.LastFetchCompletedAt = &now
	m.marked = append(m.marked, markErrorCall{id: id, message: message, data: data})
	return nil
}

func (m *mockPollStateStore) ClearError(_ context.Context, id int64) error {
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

func (m *mockPollStateStore) Stop(_ context.Context, id int64) error {
	return m.setStopped(id, true)
}

func (m *mockPollStateStore) Start(_ context.Context, id int64) error {
	return m.setStopped(id, false)
}

func (m *mockPollStateStore) setStopped(id int64, stopped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.states[id]
	if !ok {
		return fmt.Errorf("poll state %d not found", id)
	}
	ps.Stopped = stopped
	return nil
}

func (m *mockPollStateStore) ApplyFetchResult(_ context.Context, pollStateID, userID int64, res *domain.FetchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	ps, ok := m.states[pollStateID]
	if !ok {
		return fmt.Errorf("poll state %d not found", pollStateID)
	}
	if ps.UserID != userID {
		return fmt.Errorf("poll state %d belongs to user %d, not %d", pollStateID, ps.UserID, userID)
	}
	for _, info := range res.ActivityInfos {
		m.activities[info.Activity.ID] = info.Activity
		if len(info.Photos) > 0 {
			m.photos[info.Activity.ID] = info.Photos
		}
	}
	if v := res.StateUpdate.FullFetchNextPage; v != nil {
		ps.FullFetchNextPage = v
	}
	if v := res.StateUpdate.FullFetchPerPage; v != nil {
		ps.FullFetchPerPage = v
	}
	if v := res.StateUpdate.FullFetchCompleted; v != nil {
		ps.FullFetchCompleted = v
	}
	ps.TotalFetches++
	now := time.Now()
	ps.LastFetchCompletedAt = &now
	m.applies++
	return nil
}

// mockTokenStore is an in-memory TokenStore.
type mockTokenStore struct {
	mu     sync.Mutex
	tokens map[int64]*domain.Token // by user id
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[int64]*domain.Token)}
}

func (m *mockTokenStore) put(t *domain.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.UserID] = &cp
}

func (m *mockTokenStore) GetTokenByUserID(_ context.Context, userID int64) (*domain.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[userID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockTokenStore) UpsertToken(_ context.Context, t *domain.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tokens[t.UserID] = &cp
	return nil
}

// --- Mock upstream client ---

type activityCall struct {
	token string
	opts  strava.ActivityListOptions
}

type photoCall struct {
	activityID int64
	size       int
}

// mockClient is a scripted upstream client. activitiesFn and photosFn drive
// the responses; when gate is set, Activities blocks until the gate is
// closed so tests can hold a job in flight.
type mockClient struct {
	mu            sync.Mutex
	activitiesFn  func(opts strava.ActivityListOptions) ([]strava.Activity, error)
	photosFn      func(activityID int64, size int) ([]strava.Photo, error)
	activityCalls []activityCall
	photoCalls    []photoCall
	concurrent    int
	maxConcurrent int
	gate          chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{}
}

func (m *mockClient) Activities(ctx context.Context, token string, opts strava.ActivityListOptions) ([]strava.Activity, error) {
	m.mu.Lock()
	m.activityCalls = append(m.activityCalls, activityCall{token: token, opts: opts})
	m.concurrent++
	if m.concurrent > m.maxConcurrent {
		m.maxConcurrent = m.concurrent
	}
	fn := m.activitiesFn
	gate := m.gate
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.concurrent--
		m.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn == nil {
		return nil, nil
	}
	return fn(opts)
}

func (m *mockClient) ActivityPhotos(_ context.Context, _ string, activityID int64, size int) ([]strava.Photo, error) {
	m.mu.Lock()
	m.photoCalls = append(m.photoCalls, photoCall{activityID: activityID, size: size})
	fn := m.photosFn
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(activityID, size)
}

func (m *mockClient) calls() []activityCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]activityCall, len(m.activityCalls))
	copy(calls, m.activityCalls)
	return calls
}

func (m *mockClient) photoCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.photoCalls)
}

func (m *mockClient) maxParallel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// --- Fixtures ---

// testPollerConfig is the default loop configuration for tests: fast sleep,
// small pool, production-shaped page sizes.
func testPollerConfig() config.PollerConfig {
	cfg := config.DefaultConfig().Poller
	cfg.PollSleep = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func testActivity(id int64) strava.Activity {
	return strava.Activity{
		ID:             id,
		ResourceState:  2,
		Type:           "Ride",
		Name:           fmt.Sprintf("Ride %d", id),
		StartDate:      "2017-07-01T06:00:00Z",
		StartDateLocal: "2017-07-01T08:00:00Z",
		UTCOffset:      7200,
		Timezone:       "(GMT+01:00) Europe/Berlin",
	}
}
