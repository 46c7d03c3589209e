package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/orchestrator"
	"github.com/banshee-data/signsync/internal/sequence"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

// Governor keys used by the runner.
const (
	KeySpatial  = "spatial"
	KeySequence = "sequence"
	KeyCamera   = "camera"
)

var errSourceDone = errors.New("frame source exhausted")

// FrameSource delivers frames until ctx is done or the source runs dry, at
// which point the channel is closed.
type FrameSource interface {
	Frames(ctx context.Context) <-chan *frames.Frame
}

// Stats counts frames through the runner.
type Stats struct {
	Submitted uint64
	Throttled uint64
	Busy      uint64 // dropped because a frame was in flight
	Processed uint64
	Failed    uint64
	Discarded uint64 // finished after a mode change and not published
}

type work struct {
	frame *frames.Frame
}

type prepRequest struct {
	frame *frames.Frame
	side  int
	reply chan prepResult
}

type prepResult struct {
	tensor []float32
	err    error
}

// Runner moves frames from Submit through the classifiers to the
// orchestrator. At most one frame is in flight; frames arriving while it
// runs are dropped, never queued.
type Runner struct {
	buffer   *frames.Buffer
	spatial  *spatial.Classifier
	sequence *sequence.Classifier
	orch     *orchestrator.Orchestrator
	governor *failure.Governor
	clock    timeutil.Clock

	handoff chan work
	prep    chan prepRequest

	inFlight atomic.Bool
	running  atomic.Bool
	busy     sync.WaitGroup

	admitMu   sync.Mutex
	lastAdmit time.Time

	submitted atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
}

// NewRunner wires a runner. Call Run to start consuming.
func NewRunner(buffer *frames.Buffer, sp *spatial.Classifier, sq *sequence.Classifier,
	orch *orchestrator.Orchestrator, gov *failure.Governor, clock timeutil.Clock) *Runner {
	r := &Runner{
		buffer:   buffer,
		spatial:  sp,
		sequence: sq,
		orch:     orch,
		governor: gov,
		clock:    timeutil.OrReal(clock),
		handoff:  make(chan work, 1),
		prep:     make(chan prepRequest),
	}
	orch.SetFrameStats(func() (uint64, uint64) {
		s := r.Stats()
		return s.Submitted, s.Throttled + s.Busy
	})
	return r
}

// Stats returns the frame counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Submitted: r.submitted.Load(),
		Throttled: r.throttled.Load(),
		Busy:      r.dropped.Load(),
		Processed: r.processed.Load(),
		Failed:    r.failed.Load(),
		Discarded: r.discarded.Load(),
	}
}

// Running reports whether Run is active.
func (r *Runner) Running() bool { return r.running.Load() }

// Submit records f in the frame buffer and hands it to the consumer if the
// frame-rate policy admits it and nothing is in flight. It never blocks and
// reports whether the frame was admitted.
func (r *Runner) Submit(f *frames.Frame) bool {
	if f == nil {
		return false
	}
	r.buffer.Push(f)
	r.submitted.Add(1)

	if !r.running.Load() || !r.orch.Usable() {
		r.throttled.Add(1)
		return false
	}
	fps := r.orch.Policy().TargetFPS
	if fps <= 0 {
		r.throttled.Add(1)
		return false
	}
	interval := time.Second / time.Duration(fps)
	now := r.clock.Now()

	r.admitMu.Lock()
	if !r.lastAdmit.IsZero() && now.Sub(r.lastAdmit) < interval {
		r.admitMu.Unlock()
		r.throttled.Add(1)
		return false
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		r.admitMu.Unlock()
		r.dropped.Add(1)
		return false
	}
	r.lastAdmit = now
	r.admitMu.Unlock()

	r.busy.Add(1)
	select {
	case r.handoff <- work{frame: f}:
		return true
	default:
		r.busy.Done()
		r.inFlight.Store(false)
		r.dropped.Add(1)
		return false
	}
}

// Run consumes admitted frames until ctx is done. When src is non-nil its
// frames are submitted as they arrive, and Run returns once the source is
// exhausted and the last admitted frame has been processed.
func (r *Runner) Run(ctx context.Context, src FrameSource) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runner already running")
	}
	defer r.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.preprocessLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.consume(ctx)
		return nil
	})
	if src != nil {
		g.Go(func() error {
			for f := range src.Frames(ctx) {
				r.Submit(f)
			}
			r.drain(ctx)
			return errSourceDone
		})
	}

	log.Ops().Bool("source", src != nil).Msg("pipeline running")
	err := g.Wait()
	log.Ops().Uint64("processed", r.processed.Load()).Uint64("submitted", r.submitted.Load()).Msg("pipeline stopped")
	if errors.Is(err, errSourceDone) {
		return nil
	}
	return err
}

// drain waits for the in-flight frame, if any.
func (r *Runner) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.busy.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Runner) preprocessLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.prep:
			tensor, err := spatial.Preprocess(req.frame, req.side, r.spatial.Config().Normalization)
			req.reply <- prepResult{tensor: tensor, err: err}
		}
	}
}

func (r *Runner) preprocess(ctx context.Context, f *frames.Frame, side int) ([]float32, error) {
	reply := make(chan prepResult, 1)
	select {
	case r.prep <- prepRequest{frame: f, side: side, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.tensor, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.handoff:
			r.process(ctx, w.frame)
			r.inFlight.Store(false)
			r.busy.Done()
		}
	}
}

// process takes one frame through validation, inference and the sequence
// stage. Results are published only if the generation captured at the
// start is still alive.
func (r *Runner) process(ctx context.Context, f *frames.Frame) {
	gen := r.orch.Generation()
	req := r.orch.Mode().Requirements()
	if !req.Spatial {
		return
	}
	if !r.governor.IsServiceAvailable(KeySpatial) {
		r.failed.Add(1)
		return
	}

	if err := r.spatial.Validate(f); err != nil {
		r.fail(ctx, err, KeyCamera, false)
		return
	}
	side, err := r.spatial.InputSide(ctx)
	if err != nil {
		r.fail(ctx, err, KeySpatial, false)
		return
	}
	tensor, err := r.preprocess(ctx, f, side)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(ctx, failure.CorruptedFrameError(err.Error(), r.spatial.ConsecutiveCorrupted()), KeyCamera, false)
		return
	}

	pred, err := r.spatial.Infer(ctx, tensor, f)
	if err != nil {
		if failure.IsFatal(err) {
			r.fail(ctx, err, KeySpatial, false)
			return
		}
		var retried *spatial.Prediction
		res := r.governor.RecordError(ctx, err, KeySpatial, true, failure.WithRetry(func(ctx context.Context) error {
			p, err := r.spatial.Infer(ctx, tensor, f)
			if err == nil {
				retried = p
			}
			return err
		}))
		if res != failure.Recovered || retried == nil {
			r.failed.Add(1)
			return
		}
		pred = retried
	} else {
		r.governor.RecordSuccess(KeySpatial)
	}

	if !r.publishable(gen) {
		r.discarded.Add(1)
		return
	}

	var seqPred *sequence.Prediction
	if req.Sequence && r.sequence.AddFrame(pred) {
		seqPred, err = r.sequence.Classify(ctx)
		if err != nil {
			seqPred = nil
			if failure.IsFatal(err) {
				r.orch.ReportFatal(ctx, err)
			} else {
				r.governor.RecordError(ctx, err, KeySequence, false)
			}
		}
	}

	if !r.publishable(gen) {
		r.discarded.Add(1)
		return
	}
	r.orch.Publish(pred, seqPred)
	r.processed.Add(1)
}

func (r *Runner) publishable(gen uint64) bool {
	return r.running.Load() && r.orch.Alive(gen)
}

// fail reports err to the governor, escalating fatal errors to the
// orchestrator.
func (r *Runner) fail(ctx context.Context, err error, key string, recoverable bool) {
	r.failed.Add(1)
	if failure.IsFatal(err) {
		r.orch.ReportFatal(ctx, err)
		return
	}
	r.governor.RecordError(ctx, err, key, recoverable)
}
