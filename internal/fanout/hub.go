// Package fanout broadcasts values to a dynamic set of subscribers over
// bounded channels. A slow subscriber never blocks the publisher: when its
// channel is full the oldest pending value is discarded to make room, so
// readers always see the freshest data.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the channel depth used when Subscribe is given n < 1.
const DefaultBuffer = 16

// Hub fans values out to subscribers.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	published atomic.Uint64
}

// Subscription is one subscriber's view of a Hub.
type Subscription[T any] struct {
	id      uint64
	ch      chan T
	dropped atomic.Uint64
	once    sync.Once
}

// ID identifies the subscription for Unsubscribe.
func (s *Subscription[T]) ID() uint64 { return s.id }

// C returns the receive channel. It is closed on Unsubscribe or Hub.Close.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped returns how many values were discarded for this subscriber.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

// deliver enqueues v, evicting the oldest queued value when full.
func (s *Subscription[T]) deliver(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// NewHub returns an empty Hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscribe registers a subscriber with a channel of depth n. Subscribing to
// a closed hub returns an already-closed subscription.
func (h *Hub[T]) Subscribe(n int) *Subscription[T] {
	if n < 1 {
		n = DefaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription[T]{id: h.nextID, ch: make(chan T, n)}
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Unknown IDs
// are ignored.
func (h *Hub[T]) Unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	// Publish holds the read lock while delivering, so once the write lock
	// above is released no deliver can reach sub.
	if ok {
		sub.close()
	}
}

// Publish delivers v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, sub := range h.subs {
		sub.deliver(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published returns the number of values published.
func (h *Hub[T]) Published() uint64 { return h.published.Load() }

// Close closes every subscription. Further publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}
}
