package orchestrator

import (
	"context"
)

// DeviceSignals is the platform telemetry the governor adapts to.
type DeviceSignals struct {
	// BatteryPercent is 0..100; negative means unknown (mains power or no
	// battery).
	BatteryPercent int
	MemoryPressure bool
}

// SignalSource supplies DeviceSignals on demand.
type SignalSource interface {
	Signals(ctx context.Context) (DeviceSignals, error)
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func(ctx context.Context) (DeviceSignals, error)

// Signals calls f.
func (f SignalFunc) Signals(ctx context.Context) (DeviceSignals, error) { return f(ctx) }

// PolicyConfig holds the thresholds ComputePolicy applies.
type PolicyConfig struct {
	TargetFPS           int
	LowBatteryFPS       int
	LowBatteryThreshold int
}

// DefaultPolicyConfig returns 15 FPS, dropping to 2 FPS below 20% battery.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{TargetFPS: 15, LowBatteryFPS: 2, LowBatteryThreshold: 20}
}

// Policy is the resource plan for the current mode and signals.
type Policy struct {
	// TargetFPS caps the frames admitted per second. Zero admits none.
	TargetFPS int
	// SerializeLoading allows only one model load at a time.
	SerializeLoading bool
	// PreferQuantized resolves model paths to their quantized variants.
	PreferQuantized bool
	LowBattery      bool
}

// ComputePolicy derives the policy for mode under signals. It has no side
// effects.
func ComputePolicy(cfg PolicyConfig, mode Mode, s DeviceSignals) Policy {
	p := Policy{TargetFPS: cfg.TargetFPS}
	if s.BatteryPercent >= 0 && s.BatteryPercent < cfg.LowBatteryThreshold {
		p.TargetFPS = cfg.LowBatteryFPS
		p.LowBattery = true
	}
	if mode == Idle {
		p.TargetFPS = 0
	}
	if s.MemoryPressure {
		p.SerializeLoading = true
		p.PreferQuantized = true
	}
	return p
}
