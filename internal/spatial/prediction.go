// Package spatial classifies single camera frames into static signs.
//
// A Classifier validates a frame, preprocesses it into a normalised tensor,
// runs the spatial model, gates low-confidence results to "unknown" and
// smooths labels over the last few frames.
package spatial

import (
	"time"

	"github.com/banshee-data/signsync/internal/monitoring"
)

var log = monitoring.Component("spatial")

// Candidate is one label/probability pair from the model output.
type Candidate struct {
	Label      string
	Confidence float32
}

// Prediction is the classifier output for one frame.
type Prediction struct {
	// Label is the (possibly smoothed) label, or "unknown" when the top
	// probability is below the confidence threshold.
	Label string
	// Confidence is in [0, 1].
	Confidence float32
	// TopK is the highest-probability candidates of the raw output,
	// best first.
	TopK []Candidate
	// Raw is the full probability vector.
	Raw []float32

	// Timestamp is the capture time of the frame.
	Timestamp time.Time
	FrameSeq  uint64
	// Smoothed is true when Label came from a full smoothing window.
	Smoothed bool
	// Latency is the inference time for this frame.
	Latency time.Duration
}

func clampConfidence(value, min, max float32) float32 {
	if value != value {
		return min
	}
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}
