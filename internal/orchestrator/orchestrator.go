// Package orchestrator owns the pipeline's operating mode, the resource
// policy derived from device signals, and the aggregated view of the
// latest results.
//
// Mode transitions are serialized under one mutex together with an
// in-progress flag, and every accepted transition bumps a generation
// counter. Work started under an older generation must check Alive before
// publishing so that results from a previous mode are discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/banshee-data/signsync/internal/events"
	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/sequence"
	"github.com/banshee-data/signsync/internal/spatial"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var log = monitoring.Component("orchestrator")

// ErrModeUnusable is returned when switching into a mode that a fatal error
// disabled. Reinitialize clears it.
var ErrModeUnusable = errors.New("mode unusable")

// CapabilityHost arms and releases collaborators outside this module, such
// as an object detector or an audio pipeline.
type CapabilityHost interface {
	Arm(ctx context.Context, capability string) error
	Release(ctx context.Context, capability string) error
}

type nopHost struct{}

func (nopHost) Arm(context.Context, string) error     { return nil }
func (nopHost) Release(context.Context, string) error { return nil }

// Config holds the orchestrator's tunables.
type Config struct {
	Policy PolicyConfig
	// Cooldown is the minimum time between accepted transitions.
	Cooldown          time.Duration
	SpatialModelPath  string
	SequenceModelPath string
	SnapshotInterval  time.Duration
	RetryMax          uint64
	RetryBase         time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Policy:            DefaultPolicyConfig(),
		Cooldown:          time.Second,
		SpatialModelPath:  "models/spatial.ssdn",
		SequenceModelPath: "models/sequence.ssdn",
		SnapshotInterval:  time.Second,
		RetryMax:          3,
		RetryBase:         50 * time.Millisecond,
	}
}

// Options carries the orchestrator's collaborators. Spatial, Sequence,
// Governor and Bus are required.
type Options struct {
	Spatial  *spatial.Classifier
	Sequence *sequence.Classifier
	Governor *failure.Governor
	Bus      *events.Bus
	Gate     *LoadGate
	Host     CapabilityHost
	Clock    timeutil.Clock
}

// Results is the aggregated view returned by Latest.
type Results struct {
	Mode       Mode
	Generation uint64
	Usable     bool
	Policy     Policy
	Signals    DeviceSignals
	Spatial    *spatial.Prediction
	Sequence   *sequence.Prediction
	Snapshot   events.Snapshot
}

// Orchestrator coordinates mode, policy and result aggregation.
type Orchestrator struct {
	cfg      Config
	spatial  *spatial.Classifier
	sequence *sequence.Classifier
	governor *failure.Governor
	bus      *events.Bus
	gate     *LoadGate
	host     CapabilityHost
	clock    timeutil.Clock

	mu            sync.Mutex
	mode          Mode
	transitioning bool
	generation    uint64
	lastSwitch    time.Time
	unusable      map[Mode]bool
	signals       DeviceSignals
	degraded      bool
	policy        Policy
	lastSpatial   *spatial.Prediction
	lastSequence  *sequence.Prediction
	frameStats    func() (in, dropped uint64)
}

// New returns an orchestrator in Idle and registers its recovery
// strategies on the governor.
func New(cfg Config, opts Options) *Orchestrator {
	d := DefaultConfig()
	if cfg.Policy == (PolicyConfig{}) {
		cfg.Policy = d.Policy
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = d.SnapshotInterval
	}
	if opts.Host == nil {
		opts.Host = nopHost{}
	}
	if opts.Gate == nil {
		opts.Gate = NewLoadGate(nil, DefaultLoadConcurrency)
	}
	o := &Orchestrator{
		cfg:      cfg,
		spatial:  opts.Spatial,
		sequence: opts.Sequence,
		governor: opts.Governor,
		bus:      opts.Bus,
		gate:     opts.Gate,
		host:     opts.Host,
		clock:    timeutil.OrReal(opts.Clock),
		unusable: make(map[Mode]bool),
		signals:  DeviceSignals{BatteryPercent: -1},
	}
	o.policy = ComputePolicy(cfg.Policy, Idle, o.signals)
	o.registerRecovery()
	return o
}

func (o *Orchestrator) registerRecovery() {
	retry := failure.NewRetryStrategy(o.cfg.RetryMax, o.cfg.RetryBase)
	o.governor.Register(failure.CategoryInference, retry)
	o.governor.Register(failure.CategoryTimeout, retry)
	o.governor.Register(failure.CategoryResource, failure.RecoveryFunc(o.Degrade))
}

// Mode returns the current mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Generation returns the current transition generation.
func (o *Orchestrator) Generation() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// Policy returns the active resource policy.
func (o *Orchestrator) Policy() Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy
}

// Usable reports whether the current mode can accept work.
func (o *Orchestrator) Usable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.transitioning && !o.unusable[o.mode]
}

// Alive reports whether work captured under gen may still publish.
func (o *Orchestrator) Alive(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.generation && !o.transitioning && o.mode != Idle && !o.unusable[o.mode]
}

// SetFrameStats installs the source of the frames-in and frames-dropped
// counters reported in snapshots.
func (o *Orchestrator) SetFrameStats(fn func() (in, dropped uint64)) {
	o.mu.Lock()
	o.frameStats = fn
	o.mu.Unlock()
}

// SwitchMode transitions to target. It returns false without error when
// target is already current, another transition is running, or the last
// accepted transition was less than Cooldown ago.
func (o *Orchestrator) SwitchMode(ctx context.Context, target Mode) (bool, error) {
	now := o.clock.Now()

	o.mu.Lock()
	if target == o.mode || o.transitioning {
		o.mu.Unlock()
		return false, nil
	}
	if !o.lastSwitch.IsZero() && now.Sub(o.lastSwitch) < o.cfg.Cooldown {
		o.mu.Unlock()
		log.Diag().Stringer("target", target).Msg("mode switch inside cooldown ignored")
		return false, nil
	}
	if o.unusable[target] {
		o.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrModeUnusable, target)
	}
	from := o.mode
	o.transitioning = true
	o.lastSwitch = now
	o.generation++
	gen := o.generation
	policy := ComputePolicy(o.cfg.Policy, target, o.effectiveSignalsLocked())
	o.policy = policy
	o.mu.Unlock()

	o.gate.SetSerialized(policy.SerializeLoading)
	err := o.transition(ctx, from, target, policy)

	o.mu.Lock()
	o.mode = target
	if err != nil {
		o.unusable[target] = true
	}
	o.transitioning = false
	o.mu.Unlock()

	log.Ops().Stringer("from", from).Stringer("to", target).Uint64("generation", gen).Msg("mode switched")
	o.bus.Publish(events.Event{
		Kind:       events.KindModeChange,
		Mode:       target.String(),
		ModeChange: &events.ModeChange{From: from.String(), To: target.String(), Generation: gen},
	})
	if err != nil {
		o.governor.RecordError(ctx, err, "mode:"+target.String(), false)
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) transition(ctx context.Context, from, to Mode, policy Policy) error {
	req := to.Requirements()
	if !req.Spatial {
		o.spatial.Unload()
	}
	if !req.Sequence {
		o.sequence.Unload()
	}
	o.sequence.ResetWindow()
	o.spatial.Reset()

	for _, c := range from.Requirements().Capabilities {
		if contains(req.Capabilities, c) {
			continue
		}
		if err := o.host.Release(ctx, c); err != nil {
			log.Warn().Err(err).Str("capability", c).Msg("release failed")
		}
	}

	if err := o.arm(ctx, req, policy); err != nil {
		return err
	}
	for _, c := range req.Capabilities {
		if err := o.host.Arm(ctx, c); err != nil {
			return failure.Wrap(failure.KindModelLoad, "orchestrator.arm", err, c)
		}
	}
	return nil
}

// arm points the required classifiers at the policy's model variants. The
// weights load on first inference.
func (o *Orchestrator) arm(ctx context.Context, req Requirements, policy Policy) error {
	if req.Spatial {
		path := model.ResolveVariant(o.cfg.SpatialModelPath, policy.PreferQuantized)
		if !o.spatial.Initialized() || o.spatial.Path() != path {
			if err := o.spatial.Initialize(ctx, path, true); err != nil {
				return err
			}
		}
	}
	if req.Sequence {
		path := model.ResolveVariant(o.cfg.SequenceModelPath, policy.PreferQuantized)
		if !o.sequence.Initialized() || o.sequence.Path() != path {
			if err := o.sequence.Initialize(ctx, path, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportFatal marks the current mode unusable. Processing stops until
// Reinitialize succeeds.
func (o *Orchestrator) ReportFatal(ctx context.Context, err error) {
	o.mu.Lock()
	mode := o.mode
	already := o.unusable[mode]
	o.unusable[mode] = true
	o.mu.Unlock()
	if already {
		return
	}
	log.Error().Err(err).Stringer("mode", mode).Msg("mode disabled by fatal error")
	o.governor.RecordError(ctx, err, "mode:"+mode.String(), false)
}

// Reinitialize clears every unusable mark and the degraded policy, resets
// the classifier breakers and re-arms the current mode's requirements.
// Modes other than the current one are armed again on their next
// SwitchMode.
func (o *Orchestrator) Reinitialize(ctx context.Context) error {
	o.mu.Lock()
	if o.transitioning {
		o.mu.Unlock()
		return errors.New("mode transition in progress")
	}
	mode := o.mode
	o.transitioning = true
	o.generation++
	cleared := make([]Mode, 0, len(o.unusable))
	for m := range o.unusable {
		cleared = append(cleared, m)
	}
	clear(o.unusable)
	o.degraded = false
	policy := ComputePolicy(o.cfg.Policy, mode, o.effectiveSignalsLocked())
	o.policy = policy
	o.mu.Unlock()

	o.gate.SetSerialized(policy.SerializeLoading)
	o.governor.Reset("spatial")
	o.governor.Reset("sequence")
	o.governor.Reset("mode:" + mode.String())
	for _, m := range cleared {
		o.governor.Reset("mode:" + m.String())
	}

	req := mode.Requirements()
	o.spatial.Unload()
	o.sequence.Unload()
	err := o.arm(ctx, req, policy)

	o.mu.Lock()
	if err != nil {
		o.unusable[mode] = true
	}
	o.transitioning = false
	o.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Stringer("mode", mode).Msg("reinitialise failed")
		return err
	}
	log.Ops().Stringer("mode", mode).Msg("mode reinitialised")
	return nil
}

func (o *Orchestrator) effectiveSignalsLocked() DeviceSignals {
	s := o.signals
	if o.degraded {
		s.MemoryPressure = true
	}
	return s
}

// UpdateSignals recomputes the policy from new device signals. A report
// without memory pressure lifts the degradation applied by Degrade.
func (o *Orchestrator) UpdateSignals(s DeviceSignals) {
	o.mu.Lock()
	o.signals = s
	if !s.MemoryPressure {
		o.degraded = false
	}
	prev := o.policy
	o.policy = ComputePolicy(o.cfg.Policy, o.mode, o.effectiveSignalsLocked())
	next := o.policy
	o.mu.Unlock()

	o.gate.SetSerialized(next.SerializeLoading)
	if next != prev {
		log.Ops().
			Int("battery", s.BatteryPercent).
			Bool("memory_pressure", s.MemoryPressure).
			Int("target_fps", next.TargetFPS).
			Bool("quantized", next.PreferQuantized).
			Msg("resource policy changed")
	}
}

// WatchSignals polls src every interval until ctx is done.
func (o *Orchestrator) WatchSignals(ctx context.Context, src SignalSource, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	poll := func() {
		s, err := src.Signals(ctx)
		if err != nil {
			o.governor.RecordError(ctx, err, "platform", false)
			return
		}
		o.UpdateSignals(s)
	}
	poll()

	t := o.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			poll()
		}
	}
}

// Degrade is the resource recovery strategy. It forces the memory pressure
// policy and re-points armed classifiers at their quantized variants so
// the next inference loads the smaller weights.
func (o *Orchestrator) Degrade(ctx context.Context, r failure.Report) error {
	o.mu.Lock()
	o.degraded = true
	o.policy = ComputePolicy(o.cfg.Policy, o.mode, o.effectiveSignalsLocked())
	policy := o.policy
	mode := o.mode
	o.mu.Unlock()

	o.gate.SetSerialized(policy.SerializeLoading)
	log.Warn().Str("key", r.Key).Stringer("mode", mode).Msg("degrading to quantized models")
	return o.arm(ctx, mode.Requirements(), policy)
}

// Publish records the latest results and emits them on the bus. Either
// argument may be nil.
func (o *Orchestrator) Publish(sp *spatial.Prediction, sq *sequence.Prediction) {
	o.mu.Lock()
	if sp != nil {
		o.lastSpatial = sp
	}
	if sq != nil {
		o.lastSequence = sq
	}
	mode := o.mode.String()
	o.mu.Unlock()

	if sp != nil {
		o.bus.Publish(events.Event{Kind: events.KindSpatial, Time: sp.Timestamp, Mode: mode, Spatial: sp})
	}
	if sq != nil {
		o.bus.Publish(events.Event{Kind: events.KindSequence, Time: sq.Timestamp, Mode: mode, Sequence: sq})
	}
}

// Latest returns the aggregated view of the most recent results.
func (o *Orchestrator) Latest() Results {
	snap := o.Snapshot()
	o.mu.Lock()
	defer o.mu.Unlock()
	return Results{
		Mode:       o.mode,
		Generation: o.generation,
		Usable:     !o.transitioning && !o.unusable[o.mode],
		Policy:     o.policy,
		Signals:    o.signals,
		Spatial:    o.lastSpatial,
		Sequence:   o.lastSequence,
		Snapshot:   snap,
	}
}

// Snapshot assembles the current performance snapshot.
func (o *Orchestrator) Snapshot() events.Snapshot {
	m := o.spatial.Metrics()
	consistent := o.sequence.MostConsistentSign()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	o.mu.Lock()
	stats := o.frameStats
	snap := events.Snapshot{
		Mode:           o.mode.String(),
		Usable:         !o.transitioning && !o.unusable[o.mode],
		Generation:     o.generation,
		TargetFPS:      o.policy.TargetFPS,
		Quantized:      o.policy.PreferQuantized,
		BatteryPercent: o.signals.BatteryPercent,
		MemoryPressure: o.signals.MemoryPressure,
	}
	o.mu.Unlock()

	snap.SpatialFPS = m.FPS
	snap.MeanLatency = m.MeanLatency
	snap.MaxLatency = m.MaxLatency
	snap.MeanConfidence = m.MeanConfidence
	snap.MostConsistent = consistent
	snap.HeapAlloc = ms.HeapAlloc
	snap.HeapSys = ms.HeapSys
	snap.NumGC = ms.NumGC
	if stats != nil {
		snap.FramesIn, snap.FramesDropped = stats()
	}
	return snap
}

// RunSnapshots publishes a snapshot every SnapshotInterval until ctx is
// done.
func (o *Orchestrator) RunSnapshots(ctx context.Context) {
	t := o.clock.NewTicker(o.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			snap := o.Snapshot()
			o.bus.Publish(events.Event{Kind: events.KindSnapshot, Mode: snap.Mode, Snapshot: &snap})
		}
	}
}
