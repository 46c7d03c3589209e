package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signsync/internal/config"
	"github.com/banshee-data/signsync/internal/events"
	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/orchestrator"
	"github.com/banshee-data/signsync/internal/timeutil"
)

func init() {
	monitoring.Discard()
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeRunner serves canned outputs. When block is set, Run signals entered
// and waits for block to close.
type fakeRunner struct {
	in, out int

	mu      sync.Mutex
	calls   int
	fn      func(call int) ([]float32, error)
	block   chan struct{}
	entered chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	block, entered := r.block, r.entered
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return r.fn(call)
}

func (r *fakeRunner) InputSize() int  { return r.in }
func (r *fakeRunner) OutputSize() int { return r.out }
func (r *fakeRunner) Close() error    { return nil }

func peaked(n, idx int, p float32) []float32 {
	out := make([]float32, n)
	rest := (1 - p) / float32(n-1)
	for i := range out {
		out[i] = rest
	}
	out[idx] = p
	return out
}

type harness struct {
	rt      *Runtime
	clock   *timeutil.MockClock
	spatial *fakeRunner
	seq     *fakeRunner
	sub     <-chan events.Event
	cancel  context.CancelFunc
	done    chan error
}

func writeAsset(t *testing.T, path string, in, out int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, model.WriteDense(&buf, model.DenseModel{
		Inputs: in, Outputs: out,
		Weights: make([]float32, in*out), Bias: make([]float32, out),
	}))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func newHarness(t *testing.T, mutate func(*config.PipelineConfig)) *harness {
	t.Helper()
	dir := t.TempDir()
	spatialPath := filepath.Join(dir, "spatial.ssdn")
	sequencePath := filepath.Join(dir, "sequence.ssdn")
	cfg := config.DefaultPipelineConfig()
	cfg.SpatialModelPath = strp(spatialPath)
	cfg.SequenceModelPath = strp(sequencePath)
	cfg.SmoothingWindow = intp(1)
	cfg.InferenceRetryBase = strp("1ms")
	if mutate != nil {
		mutate(cfg)
	}

	seqIn := cfg.GetSequenceLength() * cfg.GetFeatureDim()
	writeAsset(t, spatialPath, 2*2*3, len(model.StaticLabels))
	writeAsset(t, sequencePath, seqIn, len(model.DynamicLabels))

	h := &harness{
		clock: timeutil.NewMockClock(epoch),
		spatial: &fakeRunner{in: 2 * 2 * 3, out: len(model.StaticLabels), fn: func(call int) ([]float32, error) {
			p := float32(0.9)
			if call%2 == 0 {
				p = 0.99
			}
			return peaked(len(model.StaticLabels), 0, p), nil
		}},
		seq: &fakeRunner{in: seqIn, out: len(model.DynamicLabels), fn: func(int) ([]float32, error) {
			return peaked(len(model.DynamicLabels), 3, 0.8), nil
		}},
	}
	loader := model.LoaderFunc(func(ctx context.Context, path string) (model.Runner, error) {
		if strings.HasPrefix(filepath.Base(path), "sequence") {
			return h.seq, nil
		}
		return h.spatial, nil
	})

	rt, err := NewRuntime(cfg, RuntimeOptions{Loader: loader, Clock: h.clock})
	require.NoError(t, err)
	h.rt = rt
	h.sub = rt.Bus.Subscribe(256).C()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- rt.Runner.Run(ctx, nil) }()
	require.Eventually(t, rt.Runner.Running, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-h.done
		rt.Close()
	})
	return h
}

func (h *harness) translate(t *testing.T) {
	t.Helper()
	ok, err := h.rt.Orchestrator.SwitchMode(context.Background(), orchestrator.Translation)
	require.NoError(t, err)
	require.True(t, ok)
}

// submit advances the clock past the throttle interval and submits f.
func (h *harness) submit(f *frames.Frame) bool {
	h.clock.Advance(100 * time.Millisecond)
	f.CapturedAt = h.clock.Now()
	return h.rt.Runner.Submit(f)
}

func (h *harness) waitStats(t *testing.T, cond func(Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.rt.Runner.Stats()) }, 2*time.Second, time.Millisecond)
}

func (h *harness) eventsOf(kind events.Kind) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.sub:
			if ev.Kind == kind {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func rgbaFrame(w, h int, v byte) *frames.Frame {
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = v
	}
	return &frames.Frame{
		Planes: []frames.Plane{{Data: data, Stride: w * 4}},
		Width:  w, Height: h,
		Format: frames.FormatRGBA,
	}
}

func TestTranslationPublishesSpatialAndSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.translate(t)

	for i := 0; i < 8; i++ {
		require.True(t, h.submit(rgbaFrame(4, 4, 128)), "frame %d", i)
		want := uint64(i + 1)
		h.waitStats(t, func(s Stats) bool { return s.Processed == want })
	}

	spatialEvents := h.eventsOf(events.KindSpatial)
	require.Len(t, spatialEvents, 8)
	assert.Equal(t, "A", spatialEvents[0].Spatial.Label)
	assert.Equal(t, "translation", spatialEvents[0].Mode)

	latest := h.rt.Orchestrator.Latest()
	require.NotNil(t, latest.Sequence, "window should have become ready")
	assert.Equal(t, model.DynamicLabels[3], latest.Sequence.Label)
	assert.InDelta(t, 0.8, latest.Sequence.Confidence, 1e-4)
	assert.Equal(t, uint64(8), latest.Snapshot.FramesIn)
	assert.Equal(t, 8, h.rt.Buffer.Len())
}

func TestSubmitIdleAdmitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.submit(rgbaFrame(4, 4, 128)))
	assert.Equal(t, uint64(1), h.rt.Runner.Stats().Throttled)
	assert.Equal(t, 1, h.rt.Buffer.Len(), "buffer keeps every frame")
}

func TestSubmitThrottlesToTargetFPS(t *testing.T) {
	h := newHarness(t, nil)
	h.translate(t)

	require.True(t, h.submit(rgbaFrame(4, 4, 128)))
	h.waitStats(t, func(s Stats) bool { return s.Processed == 1 })

	h.clock.Advance(10 * time.Millisecond)
	assert.False(t, h.rt.Runner.Submit(rgbaFrame(4, 4, 128)))
	assert.Equal(t, uint64(1), h.rt.Runner.Stats().Throttled)
}

func TestSubmitDropsWhileBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.spatial.block = make(chan struct{})
	h.spatial.entered = make(chan struct{}, 1)
	h.translate(t)

	require.True(t, h.submit(rgbaFrame(4, 4, 128)))
	<-h.spatial.entered
	assert.False(t, h.submit(rgbaFrame(4, 4, 64)))
	assert.Equal(t, uint64(1), h.rt.Runner.Stats().Busy)

	close(h.spatial.block)
	h.waitStats(t, func(s Stats) bool { return s.Processed == 1 })
}

func TestCorruptedFramesDisableMode(t *testing.T) {
	h := newHarness(t, func(c *config.PipelineConfig) { c.MaxConsecutiveCorrupted = intp(3) })
	h.translate(t)

	for i := 0; i < 3; i++ {
		require.True(t, h.submit(rgbaFrame(4, 4, 0)))
		want := uint64(i + 1)
		h.waitStats(t, func(s Stats) bool { return s.Failed == want })
	}
	assert.False(t, h.rt.Orchestrator.Usable())
	assert.False(t, h.submit(rgbaFrame(4, 4, 128)), "unusable mode admits nothing")

	var fatal *failure.ErrorEvent
	for _, ev := range h.rt.Governor.RecentErrors() {
		if ev.Fatal {
			e := ev
			fatal = &e
		}
	}
	require.NotNil(t, fatal)
	assert.Equal(t, "mode:translation", fatal.Key)
	assert.Equal(t, failure.CategorySensor, fatal.Category)

	require.NoError(t, h.rt.Orchestrator.Reinitialize(context.Background()))
	require.True(t, h.submit(rgbaFrame(4, 4, 128)))
	h.waitStats(t, func(s Stats) bool { return s.Processed == 1 })
}

func TestTransientInferenceErrorIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.spatial.fn = func(call int) ([]float32, error) {
		if call == 1 {
			return nil, errors.New("delegate hiccup")
		}
		return peaked(len(model.StaticLabels), 1, 0.95), nil
	}
	h.translate(t)

	require.True(t, h.submit(rgbaFrame(4, 4, 128)))
	h.waitStats(t, func(s Stats) bool { return s.Processed == 1 })

	recent := h.rt.Governor.RecentErrors()
	require.Len(t, recent, 1)
	assert.Equal(t, KeySpatial, recent[0].Key)
	assert.Equal(t, failure.CategoryInference, recent[0].Category)
	assert.Equal(t, failure.Recovered, recent[0].Result)
	assert.Equal(t, "B", h.rt.Orchestrator.Latest().Spatial.Label)
}

func TestInferenceFailuresOpenBreaker(t *testing.T) {
	h := newHarness(t, func(c *config.PipelineConfig) {
		c.InferenceRetryMax = intp(1)
		c.BreakerThreshold = intp(2)
	})
	h.spatial.fn = func(int) ([]float32, error) { return nil, errors.New("delegate crashed") }
	h.translate(t)

	for i := 0; i < 3; i++ {
		require.True(t, h.submit(rgbaFrame(4, 4, 128)))
		want := uint64(i + 1)
		h.waitStats(t, func(s Stats) bool { return s.Failed == want })
	}
	assert.False(t, h.rt.Governor.IsServiceAvailable(KeySpatial))

	h.spatial.mu.Lock()
	calls := h.spatial.calls
	h.spatial.mu.Unlock()
	// Two attempts per recovery plus the original call, for two frames.
	assert.Equal(t, 6, calls, "open breaker skips inference")
}

func TestResultsFromPreviousModeAreDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.spatial.block = make(chan struct{})
	h.spatial.entered = make(chan struct{}, 1)
	h.translate(t)

	require.True(t, h.submit(rgbaFrame(4, 4, 128)))
	<-h.spatial.entered

	h.clock.Advance(2 * time.Second)
	ok, err := h.rt.Orchestrator.SwitchMode(context.Background(), orchestrator.Sound)
	require.NoError(t, err)
	require.True(t, ok)
	close(h.spatial.block)

	h.waitStats(t, func(s Stats) bool { return s.Discarded == 1 })
	assert.Empty(t, h.eventsOf(events.KindSpatial))
	assert.Nil(t, h.rt.Orchestrator.Latest().Spatial)
}

type sliceSource []*frames.Frame

func (s sliceSource) Frames(ctx context.Context) <-chan *frames.Frame {
	ch := make(chan *frames.Frame)
	go func() {
		defer close(ch)
		for _, f := range s {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func TestRunReturnsWhenSourceExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.cancel()
	<-h.done
	h.done <- nil
	h.translate(t)

	src := sliceSource{rgbaFrame(4, 4, 128), rgbaFrame(4, 4, 128), rgbaFrame(4, 4, 128)}
	require.NoError(t, h.rt.Runner.Run(context.Background(), src))
	s := h.rt.Runner.Stats()
	assert.Equal(t, uint64(3), s.Submitted)
	assert.Equal(t, uint64(1), s.Processed, "clock is frozen so only the first frame is admitted")
	assert.Equal(t, uint64(2), s.Throttled)
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultPipelineConfig()
	cfg.SmoothingWindow = intp(0)
	_, err := NewRuntime(cfg, RuntimeOptions{})
	assert.Error(t, err)
}
