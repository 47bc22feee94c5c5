package topology

import (
	"context"
	"sync"
)

// Source produces the lazy, infinite, non-restartable sequence of topology
// snapshots the transport reconciles against. The channel must deliver full
// replacement snapshots; it is closed only when the source itself shuts
// down, after which the transport keeps the last snapshot in effect.
type Source interface {
	Snapshots() <-chan Snapshot
}

// StaticSource is a Source fed by explicit Publish calls. It is the simplest
// way to drive the transport from tests, demos, or a polling registry
// client.
//
// All methods are safe for concurrent use.
type StaticSource struct {
	mu      sync.Mutex
	ch      chan Snapshot
	version uint64
	closed  bool
}

// Ensure StaticSource implements Source.
var _ Source = (*StaticSource)(nil)

// NewStaticSource creates a StaticSource with the given channel buffer.
func NewStaticSource(buffer int) *StaticSource {
	return &StaticSource{ch: make(chan Snapshot, buffer)}
}

// Snapshots implements Source.
func (s *StaticSource) Snapshots() <-chan Snapshot { return s.ch }

// Publish assigns the next version to the snapshot and delivers it. It
// blocks if the buffer is full and the consumer is slow; use PublishCtx to
// bound that wait.
func (s *StaticSource) Publish(snap Snapshot) {
	_ = s.PublishCtx(context.Background(), snap)
}

// PublishCtx is Publish with cancellation.
func (s *StaticSource) PublishCtx(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	s.version++
	snap.version = s.version
	s.mu.Unlock()

	select {
	case s.ch <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the snapshot channel. Publish after Close is a no-op.
func (s *StaticSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
