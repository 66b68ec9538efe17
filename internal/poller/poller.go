// Package poller mirrors Strava activity data into the local database.
// It runs as a background daemon inside tourmapd: one scheduler goroutine
// finds poll states that are due, hands frozen snapshots to a fixed set of
// worker goroutines, and applies every finished fetch itself so all
// poll-driven database writes happen from a single place. Workers only talk
// to the upstream API, borrowing clients from a shared pool, and return
// plain data.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tourmap/tourmap/internal/api"
	"github.com/tourmap/tourmap/internal/config"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/pool"
	"github.com/tourmap/tourmap/internal/postgres"
	"github.com/tourmap/tourmap/internal/strava"
)

// Client is the subset of the Strava API the poller exercises. Handles come
// from a pool.Pool and must not be shared between concurrent jobs.
type Client interface {
	Activities(ctx context.Context, token string, opts strava.ActivityListOptions) ([]strava.Activity, error)
	ActivityPhotos(ctx context.Context, token string, activityID int64, size int) ([]strava.Photo, error)
}

// job is one unit of work: a poll-state snapshot plus the token to fetch
// with. The snapshot is read-only for workers; the authoritative row is
// re-read inside the apply transaction.
type job struct {
	state *domain.PollState
	token *domain.Token
}

// result pairs a job with its outcome. Exactly one of res and err is set.
type result struct {
	job *job
	res *domain.FetchResult
	err error
}

// Poller owns the scheduler loop and the worker goroutines. The loop
// goroutine is the only one touching inflight and failures, so neither
// needs a lock.
type Poller struct {
	states  api.PollStateStore
	tokens  api.TokenStore
	clients *pool.Pool[Client]
	cfg     config.PollerConfig
	fetch   *fetcher

	// EventCh receives poll-state events from the event bus. When set, the
	// loop wakes immediately on enrollment or operator actions instead of
	// waiting out the next sleep.
	EventCh     <-chan postgres.Event
	eventCancel func()

	jobs     chan *job
	results  chan *result
	inflight map[int64]*job
	failures map[int64]int

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	workCancel context.CancelFunc
	done       chan struct{}
}

// New creates a Poller with the given stores and client pool.
func New(states api.PollStateStore, tokens api.TokenStore, clients *pool.Pool[Client], cfg config.PollerConfig) *Poller {
	return &Poller{
		states:   states,
		tokens:   tokens,
		clients:  clients,
		cfg:      cfg,
		fetch:    newFetcher(cfg),
		inflight: make(map[int64]*job),
		failures: make(map[int64]int),
	}
}

// SetEventCancel sets the cancel function for unsubscribing from the event
// bus. It is called during Stop before the loop is cancelled.
func (p *Poller) SetEventCancel(cancel func()) {
	p.eventCancel = cancel
}

// Start launches the workers and the scheduler loop. Workers run on their
// own cancellation so in-flight fetches can finish during the shutdown
// drain; the loop stops as soon as ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.workCancel = workCancel

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.jobs = make(chan *job)
	p.results = make(chan *result, p.cfg.Workers)

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(workCtx)
	}
	go p.run(ctx)
}

// Stop cancels the scheduler loop and waits for the shutdown drain to
// finish.
func (p *Poller) Stop() {
	if p.eventCancel != nil {
		p.eventCancel()
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
}

// run is the scheduler loop. Each iteration submits eligible states and
// harvests finished fetches; it only sleeps when a full iteration made no
// progress, and a finished worker or a bus event wakes it early.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	for {
		if ctx.Err() != nil {
			p.drain()
			return
		}
		p.submit(ctx)
		if p.harvest(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			p.drain()
			return
		case r := <-p.results:
			p.apply(ctx, r)
		case <-time.After(p.cfg.PollSleep):
		case ev, ok := <-p.eventCh():
			if ok {
				slog.Debug("poller: woken by event", "channel", ev.Channel)
			}
		}
	}
}

// submit queries for eligible poll states and hands as many to idle workers
// as will go. States already in flight are excluded in the query so a
// second fetch for the same state can never start before the first was
// applied.
func (p *Poller) submit(ctx context.Context) {
	olderThan := time.Now().Add(-p.cfg.LatestInterval)
	states, err := p.states.ListEligible(ctx, olderThan, p.inflightIDs())
	if err != nil {
		slog.Error("poller: list eligible poll states", "error", err)
		return
	}

	for _, ps := range states {
		token, err := p.tokens.GetTokenByUserID(ctx, ps.UserID)
		if err != nil {
			slog.Error("poller: look up token", "poll_state_id", ps.ID, "user_id", ps.UserID, "error", err)
			continue
		}
		if token == nil {
			// Without a token the state can never make progress. Recording
			// the condition advances last_fetch_completed_at, so the
			// eligibility query backs off instead of spinning.
			if err := p.states.MarkError(ctx, ps.ID, "no token for user", map[string]any{"kind": "no_token"}); err != nil {
				slog.Error("poller: mark poll state", "poll_state_id", ps.ID, "error", err)
			}
			continue
		}

		j := &job{state: ps, token: token}
		select {
		case p.jobs <- j:
			p.inflight[ps.ID] = j
			slog.Debug("poller: submitted", "poll_state_id", ps.ID, "user_id", ps.UserID, "full_fetch_done", ps.FullFetchDone())
		default:
			// All workers busy; the rest of the batch waits for a later
			// iteration.
			return
		}
	}
}

// harvest applies every finished fetch without blocking. It reports whether
// at least one result was applied, which means another submit round is
// worth doing before sleeping.
func (p *Poller) harvest(ctx context.Context) bool {
	progressed := false
	for {
		select {
		case r := <-p.results:
			p.apply(ctx, r)
			progressed = true
		default:
			return progressed
		}
	}
}

// worker consumes jobs until the jobs channel is closed. Results always go
// back to the loop goroutine, which is the only one writing to the
// database.
func (p *Poller) worker(ctx context.Context) {
	defer p.wg.Done()
	for j := range p.jobs {
		res, err := p.runJob(ctx, j)
		p.results <- &result{job: j, res: res, err: err}
	}
}

// runJob borrows a client from the pool for the duration of one fetch.
func (p *Poller) runJob(ctx context.Context, j *job) (*domain.FetchResult, error) {
	var res *domain.FetchResult
	err := p.clients.Use(ctx, func(c Client) error {
		var err error
		res, err = p.fetch.fetch(ctx, c, j)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// drain runs on shutdown: stop handing out work, let in-flight fetches
// finish, and apply what comes back, all bounded by the shutdown timeout.
// Jobs that never ran stay eligible and are picked up after the next start.
func (p *Poller) drain() {
	defer p.workCancel()

	close(p.jobs)
	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	for {
		select {
		case r := <-p.results:
			p.apply(ctx, r)
		case <-workersDone:
			for {
				select {
				case r := <-p.results:
					p.apply(ctx, r)
				default:
					return
				}
			}
		case <-ctx.Done():
			slog.Warn("poller: shutdown timeout, abandoning in-flight jobs", "inflight", len(p.inflight))
			return
		}
	}
}

// eventCh returns the event channel or a nil channel (blocks forever) when
// no bus is wired.
func (p *Poller) eventCh() <-chan postgres.Event {
	if p.EventCh != nil {
		return p.EventCh
	}
	return nil
}

func (p *Poller) inflightIDs() []int64 {
	ids := make([]int64, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	return ids
}
