// Package reaper enforces the audit log retention policy. A background
// goroutine periodically deletes audit entries older than the configured
// retention so the table does not grow without bound.
package reaper

import (
	"context"
	"log/slog"
	"time"
)

// AuditStore is the slice of the audit persistence layer the reaper uses.
type AuditStore interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the retention sweep.
type Config struct {
	// Retention is how long audit entries are kept.
	Retention time.Duration
	// Interval is the time between sweeps. Non-positive means hourly.
	Interval time.Duration
}

// Reaper deletes audit entries past their retention on a fixed interval.
// One sweep runs immediately at Start so a long-stopped deployment catches
// up without waiting out the first interval.
type Reaper struct {
	audit  AuditStore
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reaper. Call Start to begin sweeping.
func New(audit AuditStore, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Reaper{audit: audit, cfg: cfg}
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		r.sweep(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to finish.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

// sweep deletes entries older than the retention cutoff. It runs on the
// loop goroutine, so a panicking store must be contained here rather than
// take the daemon down.
func (r *Reaper) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("reaper: sweep panicked", "panic", rec)
		}
	}()

	cutoff := time.Now().Add(-r.cfg.Retention)
	pruned, err := r.audit.PruneBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("reaper: prune audit log", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("reaper: pruned audit entries", "pruned", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
}
