// Package model loads classifier weights and runs inference on them.
//
// Classifiers depend only on Runner and Loader. The bundled backend is
// DenseRunner, a single dense layer with softmax read from the SSDN weight
// format; tests and embedders may supply their own Loader.
package model

import (
	"context"

	"github.com/banshee-data/signsync/internal/monitoring"
)

var log = monitoring.Component("model")

// Runner executes one inference. Implementations must be safe for
// concurrent Run calls.
type Runner interface {
	// Run maps an input tensor of InputSize values to OutputSize
	// probabilities.
	Run(ctx context.Context, input []float32) ([]float32, error)
	InputSize() int
	OutputSize() int
	// Close releases the weights. Run after Close returns an error.
	Close() error
}

// Loader turns a model asset path into a Runner. Missing or malformed
// assets are reported as failure.ErrModelLoad.
type Loader interface {
	Load(ctx context.Context, path string) (Runner, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (Runner, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, path string) (Runner, error) { return f(ctx, path) }
