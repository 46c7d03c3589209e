package orchestrator

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/banshee-data/signsync/internal/model"
)

// DefaultLoadConcurrency is how many model loads may run at once when
// loading is not serialized.
const DefaultLoadConcurrency = 2

// LoadGate wraps a model.Loader, bounding concurrent loads and collapsing
// simultaneous loads of the same path into one. Under memory pressure a
// load takes the whole semaphore so loads run one at a time.
type LoadGate struct {
	inner    model.Loader
	sem      *semaphore.Weighted
	capacity int64
	group    singleflight.Group

	serialized atomic.Bool
	loads      atomic.Uint64
}

// NewLoadGate returns a gate over inner allowing capacity concurrent loads.
func NewLoadGate(inner model.Loader, capacity int64) *LoadGate {
	if inner == nil {
		inner = model.DenseLoader{}
	}
	if capacity < 1 {
		capacity = DefaultLoadConcurrency
	}
	return &LoadGate{inner: inner, sem: semaphore.NewWeighted(capacity), capacity: capacity}
}

// SetSerialized switches between concurrent and one-at-a-time loading.
func (g *LoadGate) SetSerialized(on bool) { g.serialized.Store(on) }

// Serialized reports the current loading mode.
func (g *LoadGate) Serialized() bool { return g.serialized.Load() }

// Loads returns how many loads reached the inner loader.
func (g *LoadGate) Loads() uint64 { return g.loads.Load() }

// Load implements model.Loader.
func (g *LoadGate) Load(ctx context.Context, path string) (model.Runner, error) {
	v, err, shared := g.group.Do(path, func() (interface{}, error) {
		weight := int64(1)
		if g.serialized.Load() {
			weight = g.capacity
		}
		if err := g.sem.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		defer g.sem.Release(weight)

		g.loads.Add(1)
		return g.inner.Load(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Diag().Str("path", path).Msg("model load shared with concurrent caller")
	}
	return v.(model.Runner), nil
}
