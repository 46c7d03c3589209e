package frames

import (
	"sync"
	"time"

	"github.com/banshee-data/signsync/internal/fanout"
	"github.com/banshee-data/signsync/internal/timeutil"
)

// DefaultCapacity is used when NewBuffer is given a capacity below 1.
const DefaultCapacity = 30

// Buffer is a bounded ring of recent frames. It never blocks and never
// fails: when full, the oldest frame is evicted.
type Buffer struct {
	mu       sync.RWMutex
	frames   []*Frame
	capacity int
	head     int // next write position
	size     int

	nextSeq    uint64
	maxLatency time.Duration
	pushed     uint64
	evicted    uint64

	clock     timeutil.Clock
	observers *fanout.Hub[*Frame]
}

// BufferStats is a snapshot of buffer counters.
type BufferStats struct {
	Len        int
	Capacity   int
	Pushed     uint64
	Evicted    uint64
	MaxLatency time.Duration
}

// NewBuffer creates a buffer holding up to capacity frames.
func NewBuffer(capacity int, clock timeutil.Clock) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		frames:    make([]*Frame, capacity),
		capacity:  capacity,
		clock:     timeutil.OrReal(clock),
		observers: fanout.NewHub[*Frame](),
	}
}

// Push stores f, evicting the oldest frame at capacity, and notifies
// observers. Nil frames are ignored.
func (b *Buffer) Push(f *Frame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	if f.Seq == 0 {
		b.nextSeq++
		f.Seq = b.nextSeq
	} else if f.Seq > b.nextSeq {
		b.nextSeq = f.Seq
	}
	if f.Latency == 0 && !f.CapturedAt.IsZero() {
		f.Latency = b.clock.Since(f.CapturedAt)
	}
	if f.Latency > b.maxLatency {
		b.maxLatency = f.Latency
	}

	if b.size == b.capacity {
		b.evicted++
	} else {
		b.size++
	}
	b.frames[b.head] = f
	b.head = (b.head + 1) % b.capacity
	b.pushed++
	b.mu.Unlock()

	b.observers.Publish(f)
}

// SetCapacity resizes the buffer, keeping the newest frames. n < 1 is
// treated as 1.
func (b *Buffer) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == b.capacity {
		return
	}

	kept := b.ordered()
	if len(kept) > n {
		b.evicted += uint64(len(kept) - n)
		kept = kept[len(kept)-n:]
	}
	b.frames = make([]*Frame, n)
	copy(b.frames, kept)
	b.capacity = n
	b.size = len(kept)
	b.head = b.size % n
}

// ordered returns stored frames oldest first. Caller holds the lock.
func (b *Buffer) ordered() []*Frame {
	out := make([]*Frame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.frames[(b.head-b.size+i+b.capacity)%b.capacity]
	}
	return out
}

// Recent returns up to n most recent frames, oldest first.
func (b *Buffer) Recent(n int) []*Frame {
	if n <= 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.ordered()
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Query returns frames captured within the trailing window, oldest first.
func (b *Buffer) Query(window time.Duration) []*Frame {
	cutoff := b.clock.Now().Add(-window)
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Frame
	for _, f := range b.ordered() {
		if !f.CapturedAt.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// Latest returns the newest frame or nil.
func (b *Buffer) Latest() *Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return nil
	}
	return b.frames[(b.head-1+b.capacity)%b.capacity]
}

// Len returns the number of stored frames.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the current capacity.
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// MaxLatency returns the largest capture-to-buffer latency observed.
func (b *Buffer) MaxLatency() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxLatency
}

// Clear drops all frames but keeps counters.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head, b.size = 0, 0
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BufferStats{
		Len:        b.size,
		Capacity:   b.capacity,
		Pushed:     b.pushed,
		Evicted:    b.evicted,
		MaxLatency: b.maxLatency,
	}
}

// Subscribe returns an observer receiving every pushed frame. Observers
// that fall behind lose their oldest pending frames.
func (b *Buffer) Subscribe(depth int) *fanout.Subscription[*Frame] {
	return b.observers.Subscribe(depth)
}

// Unsubscribe removes an observer.
func (b *Buffer) Unsubscribe(id uint64) {
	b.observers.Unsubscribe(id)
}
