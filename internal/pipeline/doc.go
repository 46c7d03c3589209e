// Package pipeline is the composition root of the inference pipeline.
//
// It wires the frame buffer, the classifiers, the failure governor and the
// orchestrator into a Runtime, and drives frames through them with a
// Runner. The pipeline does not own domain logic; it delegates to the
// component packages and publishes through the event bus.
package pipeline

import "github.com/banshee-data/signsync/internal/monitoring"

var log = monitoring.Component("pipeline")
