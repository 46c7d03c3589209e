package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/signsync/internal/config"
	"github.com/banshee-data/signsync/internal/events"
	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/orchestrator"
	"github.com/banshee-data/signsync/internal/sequence"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

// RuntimeOptions carries collaborators supplied from outside. Zero values
// pick the defaults.
type RuntimeOptions struct {
	Loader model.Loader
	Host   orchestrator.CapabilityHost
	Clock  timeutil.Clock
}

// Runtime bundles the pipeline's components. Passing a Runtime around
// keeps the wiring explicit and lets tests construct a deterministic one.
type Runtime struct {
	Config       *config.PipelineConfig
	Clock        timeutil.Clock
	Buffer       *frames.Buffer
	Governor     *failure.Governor
	Bus          *events.Bus
	Gate         *orchestrator.LoadGate
	Spatial      *spatial.Classifier
	Sequence     *sequence.Classifier
	Orchestrator *orchestrator.Orchestrator
	Runner       *Runner
}

// NewRuntime builds a runtime from cfg. A nil cfg uses the defaults.
func NewRuntime(cfg *config.PipelineConfig, opts RuntimeOptions) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultPipelineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	clock := timeutil.OrReal(opts.Clock)

	gate := orchestrator.NewLoadGate(opts.Loader, orchestrator.DefaultLoadConcurrency)
	buffer := frames.NewBuffer(cfg.GetFrameBufferCapacity(), clock)

	sp := spatial.New(spatial.Config{
		ConfidenceThreshold:     float32(cfg.GetConfidenceThreshold()),
		SmoothingWindow:         cfg.GetSmoothingWindow(),
		MaxConsecutiveCorrupted: cfg.GetMaxConsecutiveCorrupted(),
		TopK:                    cfg.GetTopK(),
		MetricsWindow:           cfg.GetMetricsWindow(),
		Labels:                  model.StaticLabels,
		Normalization:           spatial.UnitNormalization,
	}, spatial.Options{Loader: gate, Clock: clock})

	sq := sequence.New(sequence.Config{
		WindowSize:        cfg.GetSequenceLength(),
		FeatureDim:        cfg.GetFeatureDim(),
		MinFrames:         cfg.GetMinSequenceFrames(),
		MinVariance:       cfg.GetMinConfidenceVariance(),
		MinMotion:         cfg.GetMinMotion(),
		ConsistencyWindow: cfg.GetConsistencyWindow(),
		MinOccurrences:    cfg.GetMinConsistentOccurrences(),
		Labels:            model.DynamicLabels,
		SpatialLabels:     model.StaticLabels,
	}, sequence.Options{Loader: gate, Clock: clock})

	gov := failure.NewGovernor(failure.Config{
		BreakerThreshold:    cfg.GetBreakerThreshold(),
		BreakerTimeout:      cfg.GetBreakerTimeout(),
		HistoryLimit:        cfg.GetErrorHistoryLimit(),
		Retention:           cfg.GetErrorRetention(),
		MaintenanceInterval: cfg.GetMaintenanceInterval(),
	}, clock)
	bus := events.NewBus(clock)

	orch := orchestrator.New(orchestrator.Config{
		Policy: orchestrator.PolicyConfig{
			TargetFPS:           cfg.GetTargetFPS(),
			LowBatteryFPS:       cfg.GetLowBatteryFPS(),
			LowBatteryThreshold: cfg.GetLowBatteryThreshold(),
		},
		Cooldown:          cfg.GetModeCooldown(),
		SpatialModelPath:  cfg.GetSpatialModelPath(),
		SequenceModelPath: cfg.GetSequenceModelPath(),
		SnapshotInterval:  cfg.GetSnapshotInterval(),
		RetryMax:          uint64(cfg.GetInferenceRetryMax()),
		RetryBase:         cfg.GetInferenceRetryBase(),
	}, orchestrator.Options{
		Spatial:  sp,
		Sequence: sq,
		Governor: gov,
		Bus:      bus,
		Gate:     gate,
		Host:     opts.Host,
		Clock:    clock,
	})
	gov.SetNotifier(bus.ErrorNotifier(func() string { return orch.Mode().String() }))

	return &Runtime{
		Config:       cfg,
		Clock:        clock,
		Buffer:       buffer,
		Governor:     gov,
		Bus:          bus,
		Gate:         gate,
		Spatial:      sp,
		Sequence:     sq,
		Orchestrator: orch,
		Runner:       NewRunner(buffer, sp, sq, orch, gov, clock),
	}, nil
}

// Run drives the runner together with governor maintenance and periodic
// snapshots. It returns when ctx is done or src is exhausted.
func (rt *Runtime) Run(ctx context.Context, src FrameSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Governor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		rt.Orchestrator.RunSnapshots(ctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return rt.Runner.Run(ctx, src)
	})
	return g.Wait()
}

// Close releases model weights and closes every event subscription.
func (rt *Runtime) Close() {
	rt.Spatial.Unload()
	rt.Sequence.Unload()
	rt.Bus.Close()
}
