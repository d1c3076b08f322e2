package channel

import (
	"context"
	"sync"
)

// LatestStats counts traffic through a Latest slot.
type LatestStats struct {
	Published  int64
	Received   int64
	Superseded int64
}

// Latest is a single-slot channel where a new value replaces any value the
// consumer has not received yet. It has one producer and one consumer for
// Receive; Load may be called from any goroutine.
type Latest[T any] struct {
	mu      sync.Mutex
	pending T
	has     bool
	last    T
	ever    bool
	stats   LatestStats
	notify  chan struct{}
}

// NewLatest returns an empty slot.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{notify: make(chan struct{}, 1)}
}

// Publish stores v, superseding an unconsumed value. It never blocks.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	if l.has {
		l.stats.Superseded++
	}
	l.pending = v
	l.has = true
	l.last = v
	l.ever = true
	l.stats.Published++
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Receive waits for a value that has not been received before. It returns
// the context error when ctx is done first.
func (l *Latest[T]) Receive(ctx context.Context) (T, error) {
	for {
		l.mu.Lock()
		if l.has {
			v := l.pending
			var zero T
			l.pending = zero
			l.has = false
			l.stats.Received++
			l.mu.Unlock()
			return v, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-l.notify:
		}
	}
}

// Load returns the most recently published value without consuming it.
func (l *Latest[T]) Load() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.ever
}

// Pending reports whether a value is waiting to be received.
func (l *Latest[T]) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.has
}

func (l *Latest[T]) Stats() LatestStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
