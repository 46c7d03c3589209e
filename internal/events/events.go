// Package events is the pipeline's outbound event stream. Result sinks
// (presentation, storage, health) subscribe to a Bus and receive every
// prediction, mode change, error and periodic snapshot. Delivery is
// bounded and lossy: a slow sink loses its oldest pending events.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/fanout"
	"github.com/banshee-data/signsync/internal/sequence"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

// Kind tags the payload of an Event.
type Kind string

const (
	KindSpatial    Kind = "spatial"
	KindSequence   Kind = "sequence"
	KindSnapshot   Kind = "snapshot"
	KindError      Kind = "error"
	KindModeChange Kind = "mode_change"
)

// ModeChange records an accepted mode transition.
type ModeChange struct {
	From       string
	To         string
	Generation uint64
}

// Snapshot is the aggregated performance view published periodically.
type Snapshot struct {
	Mode           string
	Usable         bool
	Generation     uint64
	TargetFPS      int
	Quantized      bool
	SpatialFPS     float64
	MeanLatency    time.Duration
	MaxLatency     time.Duration
	MeanConfidence float64
	FramesIn       uint64
	FramesDropped  uint64
	MostConsistent string
	HeapAlloc      uint64
	HeapSys        uint64
	NumGC          uint32
	BatteryPercent int
	MemoryPressure bool
}

// Event is one item on the bus. Exactly one payload field is set,
// matching Kind.
type Event struct {
	ID   uuid.UUID
	Kind Kind
	Time time.Time
	Mode string

	Spatial    *spatial.Prediction
	Sequence   *sequence.Prediction
	Snapshot   *Snapshot
	Error      *failure.ErrorEvent
	ModeChange *ModeChange
}

// Bus broadcasts events to subscribers.
type Bus struct {
	hub   *fanout.Hub[Event]
	clock timeutil.Clock
}

// NewBus returns an empty bus.
func NewBus(clock timeutil.Clock) *Bus {
	return &Bus{hub: fanout.NewHub[Event](), clock: timeutil.OrReal(clock)}
}

// Publish stamps ev with an ID and time when unset and delivers it.
func (b *Bus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = b.clock.Now()
	}
	b.hub.Publish(ev)
}

// Subscribe registers a sink with the given channel depth.
func (b *Bus) Subscribe(depth int) *fanout.Subscription[Event] {
	return b.hub.Subscribe(depth)
}

// Unsubscribe removes a sink and closes its channel.
func (b *Bus) Unsubscribe(id uint64) { b.hub.Unsubscribe(id) }

// Subscribers returns the number of registered sinks.
func (b *Bus) Subscribers() int { return b.hub.Len() }

// Published returns the number of events published.
func (b *Bus) Published() uint64 { return b.hub.Published() }

// Close closes every subscription.
func (b *Bus) Close() { b.hub.Close() }

// ErrorNotifier adapts the bus to failure.Notifier.
func (b *Bus) ErrorNotifier(mode func() string) failure.Notifier {
	return func(ev failure.ErrorEvent) {
		e := ev
		m := ""
		if mode != nil {
			m = mode()
		}
		b.Publish(Event{Kind: KindError, Time: ev.Time, Mode: m, Error: &e})
	}
}
