// Package sequence classifies motion signs from an ordered window of
// spatial predictions.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var (
	log    = monitoring.Component("sequence")
	tracer = otel.Tracer("github.com/banshee-data/signsync/internal/sequence")
)

// ErrClassificationInProgress is wrapped in the InferenceError returned
// when Classify is entered concurrently.
var ErrClassificationInProgress = errors.New("classification in progress")

// Prediction is one sequence-level result.
type Prediction struct {
	Label      string
	Confidence float32 // in [0, 1]
	// FrameCount is the number of window entries that fed the model.
	FrameCount int
	Timestamp  time.Time
	// Probabilities is the time-averaged class distribution.
	Probabilities []float32
}

// Config holds the window shape and the readiness gate.
type Config struct {
	WindowSize int
	FeatureDim int
	// MinFrames, MinVariance and MinMotion gate IsSequenceReady.
	MinFrames   int
	MinVariance float64
	MinMotion   float64
	// ConsistencyWindow is how many recent results MostConsistentSign
	// votes over; MinOccurrences is the votes a label needs.
	ConsistencyWindow int
	MinOccurrences    int
	// Labels names the model's output classes.
	Labels []string
	// SpatialLabels is the vocabulary for the one-hot feature block.
	SpatialLabels []string
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:        15,
		FeatureDim:        64,
		MinFrames:         5,
		MinVariance:       0.001,
		MinMotion:         0.01,
		ConsistencyWindow: 10,
		MinOccurrences:    3,
		Labels:            model.DynamicLabels,
		SpatialLabels:     model.StaticLabels,
	}
}

// Options carries collaborators; zero values pick defaults.
type Options struct {
	Loader model.Loader
	Clock  timeutil.Clock
}

// Classifier owns the temporal window and the sequence model.
type Classifier struct {
	cfg    Config
	loader model.Loader
	clock  timeutil.Clock

	mu          sync.Mutex
	path        string
	initialized bool
	runner      model.Runner
	window      *Window
	features    *extractor
	lastSeq     uint64
	recent      []string
	dropped     uint64

	loadMu      sync.Mutex
	classifying atomic.Bool
}

// New returns an uninitialised classifier.
func New(cfg Config, opts Options) *Classifier {
	d := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = d.WindowSize
	}
	if cfg.FeatureDim < 1 {
		cfg.FeatureDim = d.FeatureDim
	}
	if cfg.MinFrames < 1 {
		cfg.MinFrames = d.MinFrames
	}
	if cfg.ConsistencyWindow < 1 {
		cfg.ConsistencyWindow = d.ConsistencyWindow
	}
	if cfg.MinOccurrences < 1 {
		cfg.MinOccurrences = d.MinOccurrences
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = d.Labels
	}
	if len(cfg.SpatialLabels) == 0 {
		cfg.SpatialLabels = d.SpatialLabels
	}
	if opts.Loader == nil {
		opts.Loader = model.DenseLoader{}
	}
	return &Classifier{
		cfg:      cfg,
		loader:   opts.Loader,
		clock:    timeutil.OrReal(opts.Clock),
		window:   NewWindow(cfg.WindowSize),
		features: newExtractor(cfg.FeatureDim, cfg.WindowSize, cfg.SpatialLabels),
	}
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Initialize points the classifier at a model asset; see
// spatial.Classifier.Initialize for the lazy semantics.
func (c *Classifier) Initialize(ctx context.Context, path string, lazy bool) error {
	if err := model.StatAsset(path); err != nil {
		return err
	}
	c.mu.Lock()
	old := c.runner
	c.runner = nil
	c.path = path
	c.initialized = true
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log.Ops().Str("path", path).Bool("lazy", lazy).Msg("sequence classifier initialised")
	if lazy {
		return nil
	}
	_, err := c.ensureLoaded(ctx)
	return err
}

// Initialized reports whether the classifier has a model asset.
func (c *Classifier) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Path returns the asset path set by Initialize.
func (c *Classifier) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Loaded reports whether weights are resident.
func (c *Classifier) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner != nil
}

func (c *Classifier) ensureLoaded(ctx context.Context) (model.Runner, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, failure.UninitializedError("sequence.load")
	}
	if r := c.runner; r != nil {
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if r := c.runner; r != nil {
		c.mu.Unlock()
		return r, nil
	}
	path := c.path
	c.mu.Unlock()

	r, err := c.loader.Load(ctx, path)
	if err != nil {
		if _, typed := failure.As(err); !typed && ctx.Err() == nil {
			err = failure.ModelLoadError(path, err)
		}
		return nil, err
	}
	if err := c.checkShape(r); err != nil {
		r.Close()
		return nil, failure.ModelLoadError(path, err)
	}

	c.mu.Lock()
	if !c.initialized || c.path != path {
		c.mu.Unlock()
		r.Close()
		return nil, failure.UninitializedError("sequence.load")
	}
	c.runner = r
	c.mu.Unlock()
	log.Diag().Str("path", path).Int("inputs", r.InputSize()).Int("outputs", r.OutputSize()).Msg("sequence weights loaded")
	return r, nil
}

func (c *Classifier) checkShape(r model.Runner) error {
	if want := c.cfg.WindowSize * c.cfg.FeatureDim; r.InputSize() != want {
		return fmt.Errorf("model input %d, window needs %d", r.InputSize(), want)
	}
	classes := len(c.cfg.Labels)
	if out := r.OutputSize(); out != classes && out != classes*c.cfg.WindowSize {
		return fmt.Errorf("model output %d, want %d or %d", out, classes, classes*c.cfg.WindowSize)
	}
	return nil
}

// AddFrame appends a spatial prediction to the window. Predictions must
// arrive in capture order; one with a FrameSeq not after the last accepted
// one is dropped and AddFrame returns false.
func (c *Classifier) AddFrame(p *spatial.Prediction) bool {
	if p == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.FrameSeq != 0 && c.lastSeq != 0 && p.FrameSeq <= c.lastSeq {
		c.dropped++
		log.Diag().Uint64("seq", p.FrameSeq).Uint64("last_seq", c.lastSeq).Msg("out-of-order prediction dropped")
		return false
	}
	if p.FrameSeq != 0 {
		c.lastSeq = p.FrameSeq
	}
	c.window.Push(c.features.extract(p), p)
	return true
}

// WindowLen returns the number of entries in the window.
func (c *Classifier) WindowLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Len()
}

// Dropped returns the number of out-of-order predictions rejected.
func (c *Classifier) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// IsSequenceReady reports whether the window holds enough frames with
// enough variation to be worth classifying.
func (c *Classifier) IsSequenceReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Classifier) readyLocked() bool {
	if c.window.Len() < c.cfg.MinFrames {
		return false
	}
	confs := c.window.Confidences()
	if stat.Variance(confs, nil) < c.cfg.MinVariance {
		return false
	}
	motion := 0.0
	for i := 1; i < len(confs); i++ {
		motion += math.Abs(confs[i] - confs[i-1])
	}
	return motion/float64(len(confs)-1) >= c.cfg.MinMotion
}

// Classify runs the sequence model over the window. It returns nil with no
// error when the window is not ready. Concurrent calls fail fast.
func (c *Classifier) Classify(ctx context.Context) (*Prediction, error) {
	if !c.Initialized() {
		return nil, failure.InferenceError("sequence.classify", failure.UninitializedError("sequence.classify"))
	}
	if !c.classifying.CompareAndSwap(false, true) {
		return nil, failure.InferenceError("sequence.classify", ErrClassificationInProgress)
	}
	defer c.classifying.Store(false)

	c.mu.Lock()
	if !c.readyLocked() {
		c.mu.Unlock()
		return nil, nil
	}
	input := c.window.Flatten(c.cfg.FeatureDim)
	count := c.window.Len()
	c.mu.Unlock()

	r, err := c.ensureLoaded(ctx)
	if err != nil {
		if failure.IsFatal(err) {
			return nil, err
		}
		return nil, failure.InferenceError("sequence.classify", err)
	}

	ctx, span := tracer.Start(ctx, "sequence.classify")
	defer span.End()

	out, err := r.Run(ctx, input)
	if err != nil {
		span.RecordError(err)
		return nil, failure.InferenceError("sequence.classify", err)
	}
	probs, err := c.aggregate(out, count)
	if err != nil {
		return nil, failure.InferenceError("sequence.classify", err)
	}

	best := floats.MaxIdx(probs)
	p := &Prediction{
		Label:         c.cfg.Labels[best],
		Confidence:    clampConfidence(float32(probs[best])),
		FrameCount:    count,
		Timestamp:     c.clock.Now(),
		Probabilities: make([]float32, len(probs)),
	}
	for i, v := range probs {
		p.Probabilities[i] = float32(v)
	}

	c.mu.Lock()
	if len(c.recent) == c.cfg.ConsistencyWindow {
		c.recent = append(c.recent[:0], c.recent[1:]...)
	}
	c.recent = append(c.recent, p.Label)
	c.mu.Unlock()

	span.SetAttributes(attribute.String("label", p.Label), attribute.Int("frames", count))
	log.Trace().Str("label", p.Label).Float32("confidence", p.Confidence).Int("frames", count).Msg("sequence prediction")
	return p, nil
}

// aggregate reduces the model output to one class distribution. A flat
// output is used as is. A per-step output is smoothed along time with a
// [1 2 1]/4 kernel (renormalised at the edges) and averaged over the
// steps that held real frames.
func (c *Classifier) aggregate(out []float32, count int) ([]float64, error) {
	classes := len(c.cfg.Labels)
	steps := c.cfg.WindowSize
	switch len(out) {
	case classes:
		probs := make([]float64, classes)
		for i, v := range out {
			probs[i] = float64(v)
		}
		return probs, nil
	case classes * steps:
	default:
		return nil, fmt.Errorf("model returned %d values, want %d or %d", len(out), classes, classes*steps)
	}

	data := make([]float64, len(out))
	for i, v := range out {
		data[i] = float64(v)
	}
	raw := mat.NewDense(steps, classes, data)
	smoothed := mat.NewDense(steps, classes, nil)
	for t := 0; t < steps; t++ {
		weight := 2.0
		row := make([]float64, classes)
		floats.AddScaled(row, 2, raw.RawRowView(t))
		if t > 0 {
			floats.Add(row, raw.RawRowView(t-1))
			weight++
		}
		if t < steps-1 {
			floats.Add(row, raw.RawRowView(t+1))
			weight++
		}
		floats.Scale(1/weight, row)
		smoothed.SetRow(t, row)
	}

	if count < 1 || count > steps {
		count = steps
	}
	probs := make([]float64, classes)
	for t := steps - count; t < steps; t++ {
		floats.Add(probs, smoothed.RawRowView(t))
	}
	floats.Scale(1/float64(count), probs)
	return probs, nil
}

// MostConsistentSign returns the label seen most often in recent results
// if it reached the minimum occurrences, ties going to the most recent;
// otherwise "".
func (c *Classifier) MostConsistentSign() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[string]int, len(c.recent))
	for _, l := range c.recent {
		counts[l]++
	}
	best, bestCount := "", 0
	for i := len(c.recent) - 1; i >= 0; i-- {
		if n := counts[c.recent[i]]; n > bestCount {
			best, bestCount = c.recent[i], n
		}
	}
	if bestCount < c.cfg.MinOccurrences {
		return ""
	}
	return best
}

// ResetWindow clears the window, the feature history and the consistency
// counter. Calling it repeatedly has no further effect.
func (c *Classifier) ResetWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.Reset()
	c.features.reset()
	c.recent = c.recent[:0]
	c.lastSeq = 0
}

// Unload releases the weights and clears the window.
func (c *Classifier) Unload() {
	c.mu.Lock()
	r := c.runner
	c.runner = nil
	c.initialized = false
	c.window.Reset()
	c.features.reset()
	c.recent = c.recent[:0]
	c.lastSeq = 0
	c.mu.Unlock()
	if r != nil {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("closing sequence model")
		}
		log.Diag().Msg("sequence weights released")
	}
}

func clampConfidence(v float32) float32 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
