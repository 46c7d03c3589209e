package sequence

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

func init() {
	monitoring.Discard()
}

var (
	epoch      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testLabels = []string{"HELLO", "YES", "NO"}
)

type fakeRunner struct {
	in, out int
	fn      func(input []float32) []float32
	block   chan struct{}
	entered chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return r.fn(input), nil
}
func (r *fakeRunner) InputSize() int  { return r.in }
func (r *fakeRunner) OutputSize() int { return r.out }
func (r *fakeRunner) Close() error    { return nil }

func writeAsset(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, model.WriteDense(&buf, model.DenseModel{
		Inputs: 1, Outputs: 1, Weights: []float32{1}, Bias: []float32{0},
	}))
	path := filepath.Join(t.TempDir(), "sequence.ssdn")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func newTestClassifier(t *testing.T, r *fakeRunner) *Classifier {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Labels = testLabels
	if r.in == 0 {
		r.in = cfg.WindowSize * cfg.FeatureDim
	}
	if r.out == 0 {
		r.out = len(testLabels)
	}
	c := New(cfg, Options{
		Loader: model.LoaderFunc(func(ctx context.Context, path string) (model.Runner, error) { return r, nil }),
		Clock:  timeutil.NewMockClock(epoch),
	})
	require.NoError(t, c.Initialize(context.Background(), writeAsset(t), true))
	return c
}

func constant(p ...float32) func([]float32) []float32 {
	return func([]float32) []float32 { return append([]float32(nil), p...) }
}

func feed(c *Classifier, confs ...float32) {
	for i, conf := range confs {
		c.AddFrame(&spatial.Prediction{
			Label:      "A",
			Confidence: conf,
			FrameSeq:   uint64(c.WindowLen() + i + 1000),
			Timestamp:  epoch.Add(time.Duration(i) * 66 * time.Millisecond),
		})
	}
}

func TestReadinessBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		confs []float32
		want  bool
	}{
		{"four frames", []float32{0.7, 0.8, 0.9, 0.6}, false},
		{"five identical", []float32{0.8, 0.8, 0.8, 0.8, 0.8}, false},
		{"varied seven", []float32{0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(t, &fakeRunner{fn: constant(0.1, 0.8, 0.1)})
			for i, conf := range tt.confs {
				require.True(t, c.AddFrame(&spatial.Prediction{Label: "A", Confidence: conf, FrameSeq: uint64(i + 1)}))
			}
			assert.Equal(t, tt.want, c.IsSequenceReady())

			p, err := c.Classify(context.Background())
			require.NoError(t, err)
			if tt.want {
				require.NotNil(t, p)
				assert.Equal(t, "YES", p.Label)
				assert.Equal(t, len(tt.confs), p.FrameCount)
			} else {
				assert.Nil(t, p, "not ready yields no prediction")
			}
		})
	}
}

func TestWindowIsBoundedFIFO(t *testing.T) {
	w := NewWindow(15)
	for i := 0; i < 40; i++ {
		w.Push(FeatureVector{float32(i)}, &spatial.Prediction{FrameSeq: uint64(i)})
		require.LessOrEqual(t, w.Len(), 15)
	}
	preds := w.Predictions()
	assert.Equal(t, uint64(25), preds[0].FrameSeq, "oldest evicted first")
	assert.Equal(t, uint64(39), preds[14].FrameSeq)
}

func TestFlattenFrontPads(t *testing.T) {
	w := NewWindow(3)
	w.Push(FeatureVector{1, 2}, &spatial.Prediction{})
	got := w.Flatten(2)
	if diff := cmp.Diff([]float32{0, 0, 0, 0, 1, 2}, got); diff != "" {
		t.Errorf("Flatten mismatch (-want +got):\n%s", diff)
	}
}

func TestResetWindowIdempotent(t *testing.T) {
	c := newTestClassifier(t, &fakeRunner{fn: constant(0.1, 0.8, 0.1)})
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)
	for i := 0; i < 3; i++ {
		_, err := c.Classify(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, "YES", c.MostConsistentSign())

	type state struct {
		Len        int
		Consistent string
		Flat       []float32
		Ready      bool
	}
	snap := func() state {
		c.mu.Lock()
		defer c.mu.Unlock()
		return state{c.window.Len(), "", c.window.Flatten(c.cfg.FeatureDim), c.readyLocked()}
	}

	c.ResetWindow()
	once := snap()
	once.Consistent = c.MostConsistentSign()
	c.ResetWindow()
	twice := snap()
	twice.Consistent = c.MostConsistentSign()

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("second reset changed state:\n%s", diff)
	}
	assert.Equal(t, 0, once.Len)
	assert.Empty(t, once.Consistent)
	assert.False(t, once.Ready)
}

func TestClassifyBeforeInitialize(t *testing.T) {
	c := New(DefaultConfig(), Options{})
	_, err := c.Classify(context.Background())
	assert.ErrorIs(t, err, failure.ErrInference)
	assert.ErrorIs(t, err, failure.ErrUninitialized)
}

func TestConcurrentClassifyFailsFast(t *testing.T) {
	r := &fakeRunner{
		fn:      constant(0.2, 0.2, 0.6),
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	c := newTestClassifier(t, r)
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *Prediction
	go func() {
		defer wg.Done()
		first, _ = c.Classify(context.Background())
	}()
	<-r.entered

	_, err := c.Classify(context.Background())
	assert.ErrorIs(t, err, ErrClassificationInProgress)
	assert.ErrorIs(t, err, failure.ErrInference)

	close(r.block)
	wg.Wait()
	require.NotNil(t, first)
	assert.Equal(t, "NO", first.Label)
}

func TestPerStepOutputIsSmoothedAndAveraged(t *testing.T) {
	steps := DefaultConfig().WindowSize
	r := &fakeRunner{out: steps * len(testLabels)}
	// Padded steps favour HELLO, real steps favour NO.
	r.fn = func([]float32) []float32 {
		out := make([]float32, steps*len(testLabels))
		for s := 0; s < steps; s++ {
			if s < steps-7 {
				out[s*3+0] = 1
			} else {
				out[s*3+2] = 0.9
				out[s*3+1] = 0.1
			}
		}
		return out
	}
	c := newTestClassifier(t, r)
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)

	p, err := c.Classify(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "NO", p.Label)
	assert.Greater(t, p.Confidence, float32(0.8))
	assert.LessOrEqual(t, p.Confidence, float32(1))
	// The first real step borrows a little HELLO from its padded neighbour.
	assert.Greater(t, p.Probabilities[0], float32(0))
}

func TestConfidenceClamped(t *testing.T) {
	c := newTestClassifier(t, &fakeRunner{fn: constant(0, 3.5, -1)})
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)
	p, err := c.Classify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float32(1), p.Confidence)
	assert.Equal(t, float32(0), clampConfidence(float32(-0.2)))
}

func TestMostConsistentSign(t *testing.T) {
	outputs := [][]float32{{1, 0, 0}, {0, 1, 0}, {1, 0, 0}, {0, 1, 0}, {1, 0, 0}, {0, 1, 0}}
	call := 0
	c := newTestClassifier(t, &fakeRunner{fn: func([]float32) []float32 {
		o := outputs[call]
		call++
		return o
	}})
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)

	for i := 0; i < 4; i++ {
		_, err := c.Classify(context.Background())
		require.NoError(t, err)
	}
	// HELLO 2, YES 2: below three occurrences.
	assert.Equal(t, "", c.MostConsistentSign())

	_, _ = c.Classify(context.Background())
	assert.Equal(t, "HELLO", c.MostConsistentSign())

	_, _ = c.Classify(context.Background())
	// 3-3 tie goes to the most recent.
	assert.Equal(t, "YES", c.MostConsistentSign())
}

func TestAddFrameDropsOutOfOrder(t *testing.T) {
	c := newTestClassifier(t, &fakeRunner{fn: constant(1, 0, 0)})
	assert.True(t, c.AddFrame(&spatial.Prediction{FrameSeq: 5, Confidence: 0.5}))
	assert.False(t, c.AddFrame(&spatial.Prediction{FrameSeq: 4, Confidence: 0.5}))
	assert.False(t, c.AddFrame(&spatial.Prediction{FrameSeq: 5, Confidence: 0.5}))
	assert.True(t, c.AddFrame(&spatial.Prediction{FrameSeq: 6, Confidence: 0.5}))
	assert.Equal(t, 2, c.WindowLen())
	assert.Equal(t, uint64(2), c.Dropped())

	c.ResetWindow()
	assert.True(t, c.AddFrame(&spatial.Prediction{FrameSeq: 1, Confidence: 0.5}), "reset clears ordering")
}

func TestShapeMismatchIsModelLoadError(t *testing.T) {
	c := newTestClassifier(t, &fakeRunner{in: 10, fn: constant(1, 0, 0)})
	feed(c, 0.7, 0.8, 0.9, 0.85, 0.7, 0.6, 0.8)
	_, err := c.Classify(context.Background())
	assert.ErrorIs(t, err, failure.ErrModelLoad)
}

func TestFeatureVectorLayout(t *testing.T) {
	e := newExtractor(64, 15, []string{"A", "B", "C"})
	var fv FeatureVector
	for i, conf := range []float32{0.5, 0.6, 0.9, 0.4, 0.8} {
		fv = e.extract(&spatial.Prediction{
			Label:      "C",
			Confidence: conf,
			Timestamp:  epoch.Add(time.Duration(i) * 100 * time.Millisecond),
		})
		require.Len(t, fv, 64)
	}

	assert.InDelta(t, 0.8, fv[featConfidence], 1e-6)
	assert.InDelta(t, 0.4, fv[featDerivative], 1e-6)
	assert.InDelta(t, 4.0, fv[featVelocity], 1e-4)
	assert.InDelta(t, 0.64, fv[featMean], 1e-6)
	assert.Greater(t, fv[featVariance], float32(0))
	assert.NotZero(t, fv[featSpectral])
	assert.InDelta(t, 1.0, fv[featPosition], 1e-6)
	assert.Equal(t, float32(1), fv[featOneHot+2])

	unknown := e.extract(&spatial.Prediction{Label: model.UnknownLabel, Confidence: 0.3})
	assert.Equal(t, float32(1), unknown[featOneHot+3])

	short := newExtractor(4, 15, []string{"A"}).extract(&spatial.Prediction{Label: "A", Confidence: 0.5})
	assert.Len(t, short, 4, "truncated to the configured dimension")
}
