// Command gen-dense-model writes demo SSDN assets for the spatial and
// sequence classifiers, with int8 variants for the quantized policy.
package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/monitoring"
)

var log = monitoring.Component("gen-dense-model")

func main() {
	outDir := flag.String("o", "models", "output directory")
	side := flag.Int("side", 32, "spatial input side in pixels")
	window := flag.Int("window", 15, "sequence window length")
	featureDim := flag.Int("feature-dim", 64, "sequence feature dimension")
	seed := flag.Uint64("seed", 1, "weight seed")
	flag.Parse()

	specs := []struct {
		name            string
		inputs, outputs int
		dtype           model.DType
		seedOffset      uint64
	}{
		{"spatial.ssdn", *side * *side * 3, len(model.StaticLabels), model.DTypeFloat32, 0},
		{"spatial_int8.ssdn", *side * *side * 3, len(model.StaticLabels), model.DTypeInt8, 0},
		{"sequence.ssdn", *window * *featureDim, len(model.DynamicLabels), model.DTypeFloat32, 1},
		{"sequence_int8.ssdn", *window * *featureDim, len(model.DynamicLabels), model.DTypeInt8, 1},
	}
	for _, s := range specs {
		path := filepath.Join(*outDir, s.name)
		m := model.RandomDense(s.inputs, s.outputs, 1, s.dtype, *seed+s.seedOffset)
		if err := model.WriteDenseFile(path, m); err != nil {
			log.Error().Err(err).Str("path", path).Msg("write model")
			os.Exit(1)
		}
		log.Ops().Str("path", path).Str("dtype", s.dtype.String()).
			Int("inputs", s.inputs).Int("outputs", s.outputs).Msg("model written")
	}
}
