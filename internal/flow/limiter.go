// Package flow provides per-connection backpressure for outbound streams.
package flow

import (
	"context"
	"sync"
)

// DefaultLimit is the default number of simultaneously open outbound
// streams per connection.
const DefaultLimit = 256

// Limiter bounds the number of simultaneously held slots. Acquire blocks
// cooperatively while all slots are taken, so one slow peer cannot queue
// unbounded work; Release frees a slot and wakes waiters.
//
// All methods are safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	held   int
	closed bool

	// freeCh is closed to broadcast that a slot may be available.
	// A new channel is created after each broadcast.
	freeCh chan struct{}

	// onBlocked is called when an Acquire has to wait (optional, metrics).
	onBlocked func()
}

// NewLimiter creates a limiter with the given slot count.
// If limit <= 0, DefaultLimit is used.
func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Limiter{
		limit:  limit,
		freeCh: make(chan struct{}),
	}
}

// SetBlockedCallback sets a callback invoked each time an Acquire blocks.
func (l *Limiter) SetBlockedCallback(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBlocked = fn
}

// Acquire takes a slot, blocking until one is free or ctx is done.
// It returns ctx.Err() on cancellation and context.Canceled after Close.
func (l *Limiter) Acquire(ctx context.Context) error {
	blocked := false
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return context.Canceled
		}
		if l.held < l.limit {
			l.held++
			l.mu.Unlock()
			return nil
		}
		if !blocked {
			blocked = true
			if l.onBlocked != nil {
				l.onBlocked()
			}
		}
		waitCh := l.freeCh
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCh:
			// A slot may have freed; loop and retry.
		}
	}
}

// TryAcquire takes a slot without blocking. It reports whether a slot was
// taken.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.held >= l.limit {
		return false
	}
	l.held++
	return true
}

// Release frees a slot and wakes blocked Acquire calls.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held > 0 {
		l.held--
	}
	if l.closed {
		return
	}
	// Broadcast to all waiters by closing the channel.
	close(l.freeCh)
	l.freeCh = make(chan struct{})
}

// Held returns the number of slots currently taken.
func (l *Limiter) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Close unblocks all waiters permanently. Subsequent Acquire calls fail.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.freeCh)
}
