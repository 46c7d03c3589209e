package spatial

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var tracer = otel.Tracer("github.com/banshee-data/signsync/internal/spatial")

// Config holds the classifier thresholds.
type Config struct {
	// ConfidenceThreshold gates predictions: below it the label becomes
	// "unknown".
	ConfidenceThreshold float32
	// SmoothingWindow is the number of predictions voted over.
	SmoothingWindow int
	// MaxConsecutiveCorrupted escalates corrupted frames to a fatal error.
	MaxConsecutiveCorrupted int
	TopK                    int
	MetricsWindow           int
	// Labels names the model's output classes in order.
	Labels        []string
	Normalization Normalization
}

// DefaultConfig returns the stock configuration for the A-Z model.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:     0.85,
		SmoothingWindow:         5,
		MaxConsecutiveCorrupted: 10,
		TopK:                    3,
		MetricsWindow:           30,
		Labels:                  model.StaticLabels,
		Normalization:           UnitNormalization,
	}
}

// Options carries the classifier's collaborators. Zero values pick the
// defaults.
type Options struct {
	Loader model.Loader
	Clock  timeutil.Clock
}

// Classifier is the per-frame classifier. Validate, Infer and Classify are
// meant for a single consumer goroutine; Initialize, Unload and Reset may
// be called from others.
type Classifier struct {
	cfg    Config
	loader model.Loader
	clock  timeutil.Clock

	mu          sync.Mutex
	path        string
	initialized bool
	runner      model.Runner
	side        int
	corrupted   int
	smooth      *smoother

	loadMu  sync.Mutex
	metrics *rollingMetrics
}

// New returns an uninitialised classifier.
func New(cfg Config, opts Options) *Classifier {
	d := DefaultConfig()
	if cfg.SmoothingWindow < 1 {
		cfg.SmoothingWindow = d.SmoothingWindow
	}
	if cfg.MaxConsecutiveCorrupted < 1 {
		cfg.MaxConsecutiveCorrupted = d.MaxConsecutiveCorrupted
	}
	if cfg.TopK < 1 {
		cfg.TopK = d.TopK
	}
	if cfg.MetricsWindow < 2 {
		cfg.MetricsWindow = d.MetricsWindow
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = d.Labels
	}
	if cfg.Normalization == (Normalization{}) {
		cfg.Normalization = d.Normalization
	}
	if opts.Loader == nil {
		opts.Loader = model.DenseLoader{}
	}
	return &Classifier{
		cfg:     cfg,
		loader:  opts.Loader,
		clock:   timeutil.OrReal(opts.Clock),
		smooth:  newSmoother(cfg.SmoothingWindow),
		metrics: newRollingMetrics(cfg.MetricsWindow),
	}
}

// Config returns the effective configuration.
func (c *Classifier) Config() Config { return c.cfg }

// Initialize points the classifier at a model asset. A missing asset is a
// fatal ModelLoadError. With lazy set only the file is checked and the
// weights are loaded by the first inference; otherwise they are loaded now.
func (c *Classifier) Initialize(ctx context.Context, path string, lazy bool) error {
	if err := model.StatAsset(path); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.runner
	c.runner = nil
	c.path = path
	c.side = 0
	c.initialized = true
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log.Ops().Str("path", path).Bool("lazy", lazy).Msg("spatial classifier initialised")
	if lazy {
		return nil
	}
	_, _, err := c.ensureLoaded(ctx)
	return err
}

// Initialized reports whether Initialize has succeeded and Unload has not
// been called since.
func (c *Classifier) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Loaded reports whether weights are resident.
func (c *Classifier) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runner != nil
}

// Path returns the asset path set by Initialize.
func (c *Classifier) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Classifier) ensureLoaded(ctx context.Context) (model.Runner, int, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, 0, failure.UninitializedError("spatial.load")
	}
	if c.runner != nil {
		r, side := c.runner, c.side
		c.mu.Unlock()
		return r, side, nil
	}
	c.mu.Unlock()

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if c.runner != nil {
		r, side := c.runner, c.side
		c.mu.Unlock()
		return r, side, nil
	}
	path := c.path
	c.mu.Unlock()

	start := c.clock.Now()
	r, err := c.loader.Load(ctx, path)
	if err != nil {
		if _, typed := failure.As(err); !typed && ctx.Err() == nil {
			err = failure.ModelLoadError(path, err)
		}
		return nil, 0, err
	}
	side, err := c.checkShape(r)
	if err != nil {
		r.Close()
		return nil, 0, failure.ModelLoadError(path, err)
	}

	c.mu.Lock()
	if !c.initialized || c.path != path {
		// Unloaded or re-pointed while loading.
		c.mu.Unlock()
		r.Close()
		return nil, 0, failure.UninitializedError("spatial.load")
	}
	c.runner, c.side = r, side
	c.mu.Unlock()

	log.Diag().Str("path", path).Int("side", side).Dur("took", c.clock.Since(start)).Msg("spatial weights loaded")
	return r, side, nil
}

func (c *Classifier) checkShape(r model.Runner) (int, error) {
	if r.OutputSize() != len(c.cfg.Labels) {
		return 0, fmt.Errorf("model has %d outputs, %d labels configured", r.OutputSize(), len(c.cfg.Labels))
	}
	in := r.InputSize()
	if in%3 != 0 {
		return 0, fmt.Errorf("model input %d is not RGB", in)
	}
	side := int(math.Round(math.Sqrt(float64(in / 3))))
	if side*side*3 != in {
		return 0, fmt.Errorf("model input %d is not a square RGB image", in)
	}
	return side, nil
}

// Validate checks f for corruption. A corrupted frame increments the
// consecutive counter and returns CorruptedFrameError, escalating to the
// fatal TooManyCorruptedFramesError once the counter reaches the limit. A
// valid frame resets the counter.
func (c *Classifier) Validate(f *frames.Frame) error {
	reason := corruption(f)

	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		c.corrupted = 0
		return nil
	}
	c.corrupted++
	log.Diag().Str("reason", reason).Int("consecutive", c.corrupted).Msg("corrupted frame skipped")
	if c.corrupted >= c.cfg.MaxConsecutiveCorrupted {
		return failure.TooManyCorruptedFramesError(c.corrupted, c.cfg.MaxConsecutiveCorrupted)
	}
	return failure.CorruptedFrameError(reason, c.corrupted)
}

// ConsecutiveCorrupted returns the current corrupted-frame run length.
func (c *Classifier) ConsecutiveCorrupted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corrupted
}

// InputSide returns the square input side of the model, loading the
// weights if initialisation was lazy.
func (c *Classifier) InputSide(ctx context.Context) (int, error) {
	_, side, err := c.ensureLoaded(ctx)
	return side, err
}

// Infer runs the model on a preprocessed tensor for frame f, gates the
// result and feeds it through smoothing.
func (c *Classifier) Infer(ctx context.Context, tensor []float32, f *frames.Frame) (*Prediction, error) {
	r, _, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "spatial.infer")
	defer span.End()

	start := c.clock.Now()
	probs, err := r.Run(ctx, tensor)
	latency := c.clock.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
		return nil, failure.InferenceError("spatial.infer", err)
	}
	if len(probs) != len(c.cfg.Labels) {
		err := fmt.Errorf("model returned %d values, want %d", len(probs), len(c.cfg.Labels))
		span.SetStatus(codes.Error, err.Error())
		return nil, failure.InferenceError("spatial.infer", err)
	}

	p := c.gate(probs)
	p.Latency = latency
	if f != nil {
		p.Timestamp = f.CapturedAt
		p.FrameSeq = f.Seq
	}

	c.mu.Lock()
	label, conf, full := c.smooth.add(p.Label, p.Confidence)
	c.mu.Unlock()
	if full {
		p.Label, p.Confidence, p.Smoothed = label, clampConfidence(conf, 0, 1), true
	}

	c.metrics.observe(c.clock.Now(), latency, p.Confidence)
	span.SetAttributes(
		attribute.String("label", p.Label),
		attribute.Float64("confidence", float64(p.Confidence)),
		attribute.Int64("frame_seq", int64(p.FrameSeq)),
	)
	log.Trace().Uint64("seq", p.FrameSeq).Str("label", p.Label).
		Float32("confidence", p.Confidence).Dur("latency", latency).Msg("spatial prediction")
	return p, nil
}

// gate builds the raw prediction: top-k candidates and the confidence
// threshold applied to the best one.
func (c *Classifier) gate(probs []float32) *Prediction {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	k := c.cfg.TopK
	if k > len(idx) {
		k = len(idx)
	}
	top := make([]Candidate, k)
	for i := 0; i < k; i++ {
		top[i] = Candidate{Label: c.cfg.Labels[idx[i]], Confidence: clampConfidence(probs[idx[i]], 0, 1)}
	}

	p := &Prediction{TopK: top, Raw: probs}
	best := top[0]
	p.Confidence = best.Confidence
	if best.Confidence >= c.cfg.ConfidenceThreshold {
		p.Label = best.Label
	} else {
		p.Label = model.UnknownLabel
	}
	return p
}

// Classify runs Validate, Preprocess and Infer on f.
func (c *Classifier) Classify(ctx context.Context, f *frames.Frame) (*Prediction, error) {
	if !c.Initialized() {
		return nil, failure.UninitializedError("spatial.classify")
	}
	if err := c.Validate(f); err != nil {
		return nil, err
	}
	side, err := c.InputSide(ctx)
	if err != nil {
		return nil, err
	}
	tensor, err := Preprocess(f, side, c.cfg.Normalization)
	if err != nil {
		return nil, failure.CorruptedFrameError(err.Error(), c.ConsecutiveCorrupted())
	}
	return c.Infer(ctx, tensor, f)
}

// Metrics returns rolling performance figures.
func (c *Classifier) Metrics() Metrics { return c.metrics.snapshot() }

// Reset clears the smoothing window and the corrupted-frame counter.
func (c *Classifier) Reset() {
	c.mu.Lock()
	c.smooth.reset()
	c.corrupted = 0
	c.mu.Unlock()
	c.metrics.reset()
}

// Unload releases the weights and returns the classifier to the
// uninitialised state.
func (c *Classifier) Unload() {
	c.mu.Lock()
	r := c.runner
	c.runner = nil
	c.initialized = false
	c.side = 0
	c.smooth.reset()
	c.corrupted = 0
	c.mu.Unlock()

	if r != nil {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("closing spatial model")
		}
		log.Diag().Msg("spatial weights released")
	}
}
