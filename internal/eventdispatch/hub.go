// Package eventdispatch fans connection events out to subscribers without
// ever blocking the transport: each subscriber has a bounded buffer, and a
// slow subscriber loses its oldest events first.
package eventdispatch

import (
	"sync"
)

// DefaultBuffer is the per-subscriber buffer used when a subscriber asks
// for a non-positive size.
const DefaultBuffer = 128

// Hub fans out events of type E to any number of subscribers.
//
// Publish assigns a global sequence to each event, so events observed by a
// subscriber are totally ordered even though some may be missing. All
// methods are safe for concurrent use.
type Hub[E any] struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[int]*subscriber[E]
	nextID int
	closed bool

	// onDrop is called once per event dropped from a subscriber buffer.
	onDrop func()
}

type subscriber[E any] struct {
	ch chan E
}

// NewHub creates an empty hub.
func NewHub[E any]() *Hub[E] {
	return &Hub[E]{subs: make(map[int]*subscriber[E])}
}

// SetDropCallback sets a callback invoked for each dropped event (metrics).
func (h *Hub[E]) SetDropCallback(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its event channel plus a cancel function. The channel is closed
// when the subscription is cancelled or the hub is closed.
func (h *Hub[E]) Subscribe(buffer int) (<-chan E, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan E)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	sub := &subscriber[E]{ch: make(chan E, buffer)}
	h.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber. When a subscriber's
// buffer is full its oldest buffered event is discarded to make room, so
// consumers always converge on the most recent state.
func (h *Hub[E]) Publish(event E) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.seq++

	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest, then retry once. The second
			// send cannot block because we are the only sender and hold
			// the lock.
			select {
			case <-sub.ch:
				if h.onDrop != nil {
					h.onDrop()
				}
			default:
			}
			select {
			case sub.ch <- event:
			default:
				if h.onDrop != nil {
					h.onDrop()
				}
			}
		}
	}
}

// Seq returns the number of events published so far.
func (h *Hub[E]) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub[E]) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes all subscriber channels. Publish after Close is a no-op, and
// it is safe to call Close multiple times.
func (h *Hub[E]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
