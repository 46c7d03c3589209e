// Package config loads the pipeline's JSON configuration.
//
// Every field is optional. Omitted fields fall back to the defaults returned
// by the Get* accessors, which match config/pipeline.defaults.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/pipeline.defaults.json"

const maxConfigFileSize = 1 << 20

// PipelineConfig is the root configuration document.
type PipelineConfig struct {
	// Frame buffer
	FrameBufferCapacity *int `json:"frame_buffer_capacity,omitempty"`

	// Spatial classifier
	SpatialModelPath        *string  `json:"spatial_model_path,omitempty"`
	ConfidenceThreshold     *float64 `json:"confidence_threshold,omitempty"`
	SmoothingWindow         *int     `json:"smoothing_window,omitempty"`
	MaxConsecutiveCorrupted *int     `json:"max_consecutive_corrupted,omitempty"`
	TopK                    *int     `json:"top_k,omitempty"`
	MetricsWindow           *int     `json:"metrics_window,omitempty"`

	// Sequence classifier
	SequenceModelPath        *string  `json:"sequence_model_path,omitempty"`
	SequenceLength           *int     `json:"sequence_length,omitempty"`
	FeatureDim               *int     `json:"feature_dim,omitempty"`
	MinSequenceFrames        *int     `json:"min_sequence_frames,omitempty"`
	MinConfidenceVariance    *float64 `json:"min_confidence_variance,omitempty"`
	MinMotion                *float64 `json:"min_motion,omitempty"`
	ConsistencyWindow        *int     `json:"consistency_window,omitempty"`
	MinConsistentOccurrences *int     `json:"min_consistent_occurrences,omitempty"`

	// Orchestrator
	ModeCooldown        *string `json:"mode_cooldown,omitempty"` // duration string like "1s"
	TargetFPS           *int    `json:"target_fps,omitempty"`
	LowBatteryFPS       *int    `json:"low_battery_fps,omitempty"`
	LowBatteryThreshold *int    `json:"low_battery_threshold,omitempty"`
	SnapshotInterval    *string `json:"snapshot_interval,omitempty"`

	// Failure governor
	BreakerThreshold    *int    `json:"breaker_threshold,omitempty"`
	BreakerTimeout      *string `json:"breaker_timeout,omitempty"`
	ErrorHistoryLimit   *int    `json:"error_history_limit,omitempty"`
	ErrorRetention      *string `json:"error_retention,omitempty"`
	MaintenanceInterval *string `json:"maintenance_interval,omitempty"`
	InferenceRetryMax   *int    `json:"inference_retry_max,omitempty"`
	InferenceRetryBase  *string `json:"inference_retry_base,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultPipelineConfig returns a config with every field populated.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		FrameBufferCapacity:      ptrInt(30),
		SpatialModelPath:         ptrString("models/spatial.ssdn"),
		ConfidenceThreshold:      ptrFloat64(0.85),
		SmoothingWindow:          ptrInt(5),
		MaxConsecutiveCorrupted:  ptrInt(10),
		TopK:                     ptrInt(3),
		MetricsWindow:            ptrInt(30),
		SequenceModelPath:        ptrString("models/sequence.ssdn"),
		SequenceLength:           ptrInt(15),
		FeatureDim:               ptrInt(64),
		MinSequenceFrames:        ptrInt(5),
		MinConfidenceVariance:    ptrFloat64(0.001),
		MinMotion:                ptrFloat64(0.01),
		ConsistencyWindow:        ptrInt(10),
		MinConsistentOccurrences: ptrInt(3),
		ModeCooldown:             ptrString("1s"),
		TargetFPS:                ptrInt(15),
		LowBatteryFPS:            ptrInt(2),
		LowBatteryThreshold:      ptrInt(20),
		SnapshotInterval:         ptrString("1s"),
		BreakerThreshold:         ptrInt(5),
		BreakerTimeout:           ptrString("5m"),
		ErrorHistoryLimit:        ptrInt(100),
		ErrorRetention:           ptrString("24h"),
		MaintenanceInterval:      ptrString("1m"),
		InferenceRetryMax:        ptrInt(3),
		InferenceRetryBase:       ptrString("50ms"),
	}
}

// LoadPipelineConfig reads a config from a .json file no larger than 1 MiB.
// Fields omitted from the file keep their defaults via the Get* accessors.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. Panics when the file is not found; intended for
// tests.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *PipelineConfig) Validate() error {
	if c.ConfidenceThreshold != nil && (*c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1) {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *c.ConfidenceThreshold)
	}
	if c.SmoothingWindow != nil && (*c.SmoothingWindow < 1 || *c.SmoothingWindow > 15) {
		return fmt.Errorf("smoothing_window must be between 1 and 15, got %d", *c.SmoothingWindow)
	}
	if c.MinConfidenceVariance != nil && *c.MinConfidenceVariance < 0 {
		return fmt.Errorf("min_confidence_variance must be non-negative, got %f", *c.MinConfidenceVariance)
	}
	if c.MinMotion != nil && *c.MinMotion < 0 {
		return fmt.Errorf("min_motion must be non-negative, got %f", *c.MinMotion)
	}
	if c.LowBatteryThreshold != nil && (*c.LowBatteryThreshold < 0 || *c.LowBatteryThreshold > 100) {
		return fmt.Errorf("low_battery_threshold must be between 0 and 100, got %d", *c.LowBatteryThreshold)
	}

	positive := map[string]*int{
		"frame_buffer_capacity":      c.FrameBufferCapacity,
		"max_consecutive_corrupted":  c.MaxConsecutiveCorrupted,
		"top_k":                      c.TopK,
		"metrics_window":             c.MetricsWindow,
		"sequence_length":            c.SequenceLength,
		"feature_dim":                c.FeatureDim,
		"min_sequence_frames":        c.MinSequenceFrames,
		"consistency_window":         c.ConsistencyWindow,
		"min_consistent_occurrences": c.MinConsistentOccurrences,
		"target_fps":                 c.TargetFPS,
		"low_battery_fps":            c.LowBatteryFPS,
		"breaker_threshold":          c.BreakerThreshold,
		"error_history_limit":        c.ErrorHistoryLimit,
	}
	for name, v := range positive {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.InferenceRetryMax != nil && *c.InferenceRetryMax < 0 {
		return fmt.Errorf("inference_retry_max must be non-negative, got %d", *c.InferenceRetryMax)
	}
	if c.MinSequenceFrames != nil && c.SequenceLength != nil && *c.MinSequenceFrames > *c.SequenceLength {
		return fmt.Errorf("min_sequence_frames (%d) exceeds sequence_length (%d)", *c.MinSequenceFrames, *c.SequenceLength)
	}

	durations := map[string]*string{
		"mode_cooldown":        c.ModeCooldown,
		"snapshot_interval":    c.SnapshotInterval,
		"breaker_timeout":      c.BreakerTimeout,
		"error_retention":      c.ErrorRetention,
		"maintenance_interval": c.MaintenanceInterval,
		"inference_retry_base": c.InferenceRetryBase,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetFrameBufferCapacity returns frame_buffer_capacity or 30.
func (c *PipelineConfig) GetFrameBufferCapacity() int { return intOr(c.FrameBufferCapacity, 30) }

// GetSpatialModelPath returns spatial_model_path or models/spatial.ssdn.
func (c *PipelineConfig) GetSpatialModelPath() string {
	return stringOr(c.SpatialModelPath, "models/spatial.ssdn")
}

// GetConfidenceThreshold returns confidence_threshold or 0.85.
func (c *PipelineConfig) GetConfidenceThreshold() float64 {
	return floatOr(c.ConfidenceThreshold, 0.85)
}

// GetSmoothingWindow returns smoothing_window or 5.
func (c *PipelineConfig) GetSmoothingWindow() int { return intOr(c.SmoothingWindow, 5) }

// GetMaxConsecutiveCorrupted returns max_consecutive_corrupted or 10.
func (c *PipelineConfig) GetMaxConsecutiveCorrupted() int {
	return intOr(c.MaxConsecutiveCorrupted, 10)
}

// GetTopK returns top_k or 3.
func (c *PipelineConfig) GetTopK() int { return intOr(c.TopK, 3) }

// GetMetricsWindow returns metrics_window or 30.
func (c *PipelineConfig) GetMetricsWindow() int { return intOr(c.MetricsWindow, 30) }

// GetSequenceModelPath returns sequence_model_path or models/sequence.ssdn.
func (c *PipelineConfig) GetSequenceModelPath() string {
	return stringOr(c.SequenceModelPath, "models/sequence.ssdn")
}

// GetSequenceLength returns sequence_length or 15.
func (c *PipelineConfig) GetSequenceLength() int { return intOr(c.SequenceLength, 15) }

// GetFeatureDim returns feature_dim or 64.
func (c *PipelineConfig) GetFeatureDim() int { return intOr(c.FeatureDim, 64) }

// GetMinSequenceFrames returns min_sequence_frames or 5.
func (c *PipelineConfig) GetMinSequenceFrames() int { return intOr(c.MinSequenceFrames, 5) }

// GetMinConfidenceVariance returns min_confidence_variance or 0.001.
func (c *PipelineConfig) GetMinConfidenceVariance() float64 {
	return floatOr(c.MinConfidenceVariance, 0.001)
}

// GetMinMotion returns min_motion or 0.01.
func (c *PipelineConfig) GetMinMotion() float64 { return floatOr(c.MinMotion, 0.01) }

// GetConsistencyWindow returns consistency_window or 10.
func (c *PipelineConfig) GetConsistencyWindow() int { return intOr(c.ConsistencyWindow, 10) }

// GetMinConsistentOccurrences returns min_consistent_occurrences or 3.
func (c *PipelineConfig) GetMinConsistentOccurrences() int {
	return intOr(c.MinConsistentOccurrences, 3)
}

// GetModeCooldown returns mode_cooldown or 1s.
func (c *PipelineConfig) GetModeCooldown() time.Duration {
	return durationOr(c.ModeCooldown, time.Second)
}

// GetTargetFPS returns target_fps or 15.
func (c *PipelineConfig) GetTargetFPS() int { return intOr(c.TargetFPS, 15) }

// GetLowBatteryFPS returns low_battery_fps or 2.
func (c *PipelineConfig) GetLowBatteryFPS() int { return intOr(c.LowBatteryFPS, 2) }

// GetLowBatteryThreshold returns low_battery_threshold or 20 percent.
func (c *PipelineConfig) GetLowBatteryThreshold() int { return intOr(c.LowBatteryThreshold, 20) }

// GetSnapshotInterval returns snapshot_interval or 1s.
func (c *PipelineConfig) GetSnapshotInterval() time.Duration {
	return durationOr(c.SnapshotInterval, time.Second)
}

// GetBreakerThreshold returns breaker_threshold or 5.
func (c *PipelineConfig) GetBreakerThreshold() int { return intOr(c.BreakerThreshold, 5) }

// GetBreakerTimeout returns breaker_timeout or 5m.
func (c *PipelineConfig) GetBreakerTimeout() time.Duration {
	return durationOr(c.BreakerTimeout, 5*time.Minute)
}

// GetErrorHistoryLimit returns error_history_limit or 100.
func (c *PipelineConfig) GetErrorHistoryLimit() int { return intOr(c.ErrorHistoryLimit, 100) }

// GetErrorRetention returns error_retention or 24h.
func (c *PipelineConfig) GetErrorRetention() time.Duration {
	return durationOr(c.ErrorRetention, 24*time.Hour)
}

// GetMaintenanceInterval returns maintenance_interval or 1m.
func (c *PipelineConfig) GetMaintenanceInterval() time.Duration {
	return durationOr(c.MaintenanceInterval, time.Minute)
}

// GetInferenceRetryMax returns inference_retry_max or 3.
func (c *PipelineConfig) GetInferenceRetryMax() int { return intOr(c.InferenceRetryMax, 3) }

// GetInferenceRetryBase returns inference_retry_base or 50ms.
func (c *PipelineConfig) GetInferenceRetryBase() time.Duration {
	return durationOr(c.InferenceRetryBase, 50*time.Millisecond)
}
