// Package postgres — events.go carries poll-state change notifications over
// Postgres LISTEN/NOTIFY. When the API enrolls a user or an operator stops,
// restarts, or clears the error on a poll state, the store publishes an
// event; a poller process subscribed to these channels reacts on its next
// tick instead of sleeping out its full interval.
//
// Events are wake-up hints, nothing more. Delivery is best effort (NOTIFY
// is lost on a dropped connection, slow subscribers miss events), and every
// consumer reconciles against the database on its own schedule, so the
// system behaves correctly with the bus absent entirely.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification channels.
const (
	ChannelPollStateCreated = "poll_state_created"
	ChannelPollStateUpdated = "poll_state_updated"
)

// Event is one notification as received from Postgres.
type Event struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PollStatePayload is the JSON payload for poll_state_* events.
type PollStatePayload struct {
	PollStateID int64  `json:"poll_state_id"`
	UserID      int64  `json:"user_id"`
	Action      string `json:"action,omitempty"`
}

// EventBus publishes and subscribes to events. Stores hold it as an
// interface so tests can swap in MemoryEventBus.
type EventBus interface {
	// Publish sends the JSON-serialized payload on the given channel.
	Publish(ctx context.Context, channel string, payload any) error

	// Subscribe returns a receive channel for events on the given channel
	// plus a cancel func that unsubscribes and closes it.
	Subscribe(channel string) (<-chan Event, func())
}

// subscriberBuffer bounds how far a subscriber may lag before it starts
// missing events.
const subscriberBuffer = 16

// fanout tracks per-channel subscribers and hands events to them without
// ever blocking the caller.
type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]chan Event
}

// add registers a subscriber. first reports whether the channel had no
// subscribers until now. The returned cancel is idempotent.
func (f *fanout) add(channel string) (ch chan Event, first bool, cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs == nil {
		f.subs = make(map[string]map[uint64]chan Event)
	}
	set := f.subs[channel]
	if set == nil {
		set = make(map[uint64]chan Event)
		f.subs[channel] = set
	}
	first = len(set) == 0

	id := f.next
	f.next++
	c := make(chan Event, subscriberBuffer)
	set[id] = c

	return c, first, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if cur, ok := f.subs[channel][id]; ok {
			delete(f.subs[channel], id)
			close(cur)
		}
	}
}

// deliver hands ev to every subscriber of its channel. A subscriber whose
// buffer is full misses the event; consumers treat events as hints and
// reconcile against the database regardless.
func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Channel] {
		select {
		case ch <- ev:
		default:
			slog.Warn("event bus: subscriber lagging, dropping event", "channel", ev.Channel)
		}
	}
}

// channels returns every channel that currently has subscribers.
func (f *fanout) channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.subs))
	for name, set := range f.subs {
		if len(set) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// PgEventBus is the LISTEN/NOTIFY-backed EventBus. It holds one dedicated
// connection (outside the pool) for LISTEN so waiting on notifications never
// pins a pooled connection; NOTIFY goes through the pool. If the dedicated
// connection drops, the bus redials with capped backoff and re-issues its
// LISTENs; notifications sent in between are lost, per the hint contract.
type PgEventBus struct {
	pool *pgxpool.Pool
	fan  fanout

	mu   sync.Mutex
	conn *pgx.Conn // nil until Start, and between drop and redial

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPgEventBus creates the bus. Subscriptions may be taken immediately;
// they start receiving once Start has connected.
func NewPgEventBus(pool *pgxpool.Pool) *PgEventBus {
	return &PgEventBus{pool: pool}
}

// Start opens the dedicated listen connection, issues LISTEN for every
// channel subscribed so far, and launches the receive loop.
func (eb *PgEventBus) Start(ctx context.Context) error {
	conn, err := eb.dial(ctx)
	if err != nil {
		return fmt.Errorf("event bus: open listen connection: %w", err)
	}
	eb.mu.Lock()
	eb.conn = conn
	eb.mu.Unlock()

	ctx, eb.cancel = context.WithCancel(ctx)
	eb.done = make(chan struct{})
	go eb.listenLoop(ctx)

	slog.Info("event bus started")
	return nil
}

// Stop ends the receive loop and closes the listen connection. Safe to call
// when Start never ran.
func (eb *PgEventBus) Stop() {
	if eb.cancel == nil {
		return
	}
	eb.cancel()
	<-eb.done

	eb.mu.Lock()
	conn := eb.conn
	eb.conn = nil
	eb.mu.Unlock()
	if conn != nil {
		// The loop's context is gone; closing needs a live one.
		_ = conn.Close(context.Background())
	}
	slog.Info("event bus stopped")
}

// Publish sends a NOTIFY on the given channel through the pool.
func (eb *PgEventBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event bus: marshal payload: %w", err)
	}
	if _, err := eb.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(data)); err != nil {
		return fmt.Errorf("event bus: notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a listener for the given channel. The channel's first
// subscriber triggers LISTEN on the dedicated connection when one is up;
// otherwise the next (re)dial picks the channel up.
func (eb *PgEventBus) Subscribe(channel string) (<-chan Event, func()) {
	ch, first, cancel := eb.fan.add(channel)
	if first {
		eb.mu.Lock()
		conn := eb.conn
		eb.mu.Unlock()
		if conn != nil {
			if _, err := conn.Exec(context.Background(), listenSQL(channel)); err != nil {
				slog.Error("event bus: listen on channel", "channel", channel, "error", err)
			}
		}
	}
	return ch, cancel
}

// dial opens a fresh listen connection and replays LISTEN for every channel
// that currently has subscribers.
func (eb *PgEventBus) dial(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, eb.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, err
	}
	for _, channel := range eb.fan.channels() {
		if _, err := conn.Exec(ctx, listenSQL(channel)); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return conn, nil
}

// listenLoop receives notifications until the context ends, redialing the
// connection whenever it drops.
func (eb *PgEventBus) listenLoop(ctx context.Context) {
	defer close(eb.done)

	for {
		eb.mu.Lock()
		conn := eb.conn
		eb.mu.Unlock()
		if conn == nil {
			return
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("event bus: listen connection lost", "error", err)
			_ = conn.Close(context.Background())
			if !eb.redial(ctx) {
				return
			}
			continue
		}

		eb.fan.deliver(Event{Channel: n.Channel, Payload: json.RawMessage(n.Payload)})
	}
}

// redial reestablishes the listen connection, doubling the retry delay up to
// a cap. Returns false when the context ended first.
func (eb *PgEventBus) redial(ctx context.Context) bool {
	const maxBackoff = 30 * time.Second
	backoff := time.Second
	for {
		conn, err := eb.dial(ctx)
		if err == nil {
			eb.mu.Lock()
			eb.conn = conn
			eb.mu.Unlock()
			slog.Info("event bus: listen connection reestablished")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("event bus: redial listen connection", "error", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func listenSQL(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}

// MemoryEventBus delivers events in-process with no Postgres behind it.
// Tests use it to observe what the stores publish.
type MemoryEventBus struct {
	fan fanout

	mu        sync.Mutex
	published []Event
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{}
}

// Publish records the event and delivers it synchronously to subscribers.
func (eb *MemoryEventBus) Publish(_ context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory event bus: marshal payload: %w", err)
	}
	ev := Event{Channel: channel, Payload: json.RawMessage(data)}

	eb.mu.Lock()
	eb.published = append(eb.published, ev)
	eb.mu.Unlock()

	eb.fan.deliver(ev)
	return nil
}

// Subscribe registers a listener for the given channel.
func (eb *MemoryEventBus) Subscribe(channel string) (<-chan Event, func()) {
	ch, _, cancel := eb.fan.add(channel)
	return ch, cancel
}

// Published returns a copy of every event published so far.
func (eb *MemoryEventBus) Published() []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	out := make([]Event, len(eb.published))
	copy(out, eb.published)
	return out
}
