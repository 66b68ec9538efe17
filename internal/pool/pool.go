// Package pool provides a generic LIFO object pool with an optional size
// cap. Items are constructed lazily: a bounded pool starts out with a
// construction budget instead of live items, so expensive handles are only
// built once something asks for them. LIFO handout keeps recently used
// items warm.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrEmpty reports that no item could be acquired, either immediately for
// TryAcquire or before the context finished for Acquire.
var ErrEmpty = errors.New("pool: empty")

// Pool hands out items of type T. It is safe for concurrent use.
type Pool[T any] struct {
	factory func() (T, error)
	maxsize int // 0 means unbounded

	mu     sync.Mutex
	cond   *sync.Cond
	items  []T // idle items, last entry was released most recently
	budget int // remaining lazy constructions for a bounded pool
}

// New builds a pool around factory. maxsize caps how many items can exist
// at once; 0 means unbounded, in which case acquiring from an empty pool
// always constructs a fresh item.
func New[T any](factory func() (T, error), maxsize int) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("pool: nil factory")
	}
	if maxsize < 0 {
		return nil, fmt.Errorf("pool: negative maxsize %d", maxsize)
	}
	p := &Pool[T]{factory: factory, maxsize: maxsize, budget: maxsize}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// TryAcquire pops the most recently released item without blocking,
// constructing one when a slot is free. It returns ErrEmpty when the pool
// is bounded and every slot is in use.
func (p *Pool[T]) TryAcquire() (T, error) {
	var zero T
	p.mu.Lock()
	if n := len(p.items); n > 0 {
		item := p.items[n-1]
		p.items = p.items[:n-1]
		p.mu.Unlock()
		return item, nil
	}
	if p.maxsize != 0 && p.budget == 0 {
		p.mu.Unlock()
		return zero, ErrEmpty
	}
	if p.maxsize != 0 {
		p.budget--
	}
	p.mu.Unlock()
	return p.construct()
}

// Acquire pops the most recently released item, waiting until an item is
// released or a construction slot frees up. When ctx ends first it returns
// ErrEmpty wrapping the context error.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for {
		if n := len(p.items); n > 0 {
			item := p.items[n-1]
			p.items = p.items[:n-1]
			p.mu.Unlock()
			return item, nil
		}
		if p.maxsize == 0 || p.budget > 0 {
			if p.maxsize != 0 {
				p.budget--
			}
			p.mu.Unlock()
			return p.construct()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return zero, fmt.Errorf("%w: %w", ErrEmpty, ctx.Err())
		}
		p.cond.Wait()
	}
}

// construct runs the factory outside the pool lock. A failed construction
// hands the slot back so the pool does not shrink over time.
func (p *Pool[T]) construct() (T, error) {
	item, err := p.factory()
	if err != nil {
		if p.maxsize != 0 {
			p.mu.Lock()
			p.budget++
			p.cond.Signal()
			p.mu.Unlock()
		}
		var zero T
		return zero, fmt.Errorf("pool: construct item: %w", err)
	}
	return item, nil
}

// Release returns an item to the pool and wakes one waiter. Releasing more
// items than the pool can hold means acquire and release calls are
// unbalanced, which is a programming error, so it panics.
func (p *Pool[T]) Release(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxsize != 0 && len(p.items)+p.budget >= p.maxsize {
		panic("pool: release beyond capacity")
	}
	p.items = append(p.items, item)
	p.cond.Signal()
}

// Use runs fn with an acquired item and releases it afterwards, also when
// fn returns an error or panics.
func (p *Pool[T]) Use(ctx context.Context, fn func(T) error) error {
	item, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(item)
	return fn(item)
}

// Len reports how many idle items are waiting in the pool.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
