package sequence

import (
	"math"
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/signsync/internal/model"
	"github.com/banshee-data/signsync/internal/spatial"
)

// FeatureVector is the fixed-size per-frame input to the sequence model.
//
// Layout (zero padded or truncated to the configured dimension):
//
//	0      confidence
//	1      first difference of confidence
//	2      confidence velocity (per second)
//	3..5   windowed mean, variance, linear trend   (once minStats samples)
//	6..9   spectral magnitudes of bins 1..4       (once minStats samples)
//	10     label position in [0, 1]
//	11, 12 sin and cos of the label position
//	13..   one-hot label, last slot for unknown
type FeatureVector []float32

const (
	featConfidence = iota
	featDerivative
	featVelocity
	featMean
	featVariance
	featTrend
	featSpectral // 4 slots
	featPosition = featSpectral + spectralBins
	featSin      = featPosition + 1
	featCos      = featPosition + 2
	featOneHot   = featPosition + 3
)

const (
	spectralBins = 4
	// minStats is the history length before aggregate features are filled.
	minStats = 5
)

// extractor turns spatial predictions into feature vectors. It keeps its
// own confidence history so derivatives follow arrival order.
type extractor struct {
	dim      int
	labels   map[string]int
	nLabels  int
	capacity int

	confs    []float64
	lastTime time.Time
}

func newExtractor(dim, capacity int, labels []string) *extractor {
	idx := make(map[string]int, len(labels))
	for i, l := range labels {
		idx[l] = i
	}
	return &extractor{dim: dim, labels: idx, nLabels: len(labels), capacity: capacity}
}

func (e *extractor) reset() {
	e.confs = e.confs[:0]
	e.lastTime = time.Time{}
}

// extract appends p to the history and returns its feature vector.
func (e *extractor) extract(p *spatial.Prediction) FeatureVector {
	full := make([]float32, featOneHot+e.nLabels+1)
	conf := float64(p.Confidence)

	full[featConfidence] = float32(conf)
	if n := len(e.confs); n > 0 {
		d := conf - e.confs[n-1]
		full[featDerivative] = float32(d)
		if !e.lastTime.IsZero() && p.Timestamp.After(e.lastTime) {
			full[featVelocity] = float32(d / p.Timestamp.Sub(e.lastTime).Seconds())
		}
	}

	if len(e.confs) == e.capacity {
		e.confs = append(e.confs[:0], e.confs[1:]...)
	}
	e.confs = append(e.confs, conf)
	e.lastTime = p.Timestamp

	if len(e.confs) >= minStats {
		mean, variance := stat.MeanVariance(e.confs, nil)
		full[featMean] = float32(mean)
		full[featVariance] = float32(variance)
		full[featTrend] = float32(trend(e.confs))
		for i, m := range spectrum(e.confs, spectralBins) {
			full[featSpectral+i] = float32(m)
		}
	}

	pos := 0.0
	slot := e.nLabels // unknown
	if i, ok := e.labels[p.Label]; ok && p.Label != model.UnknownLabel {
		slot = i
		if e.nLabels > 1 {
			pos = float64(i) / float64(e.nLabels-1)
		}
	}
	full[featPosition] = float32(pos)
	full[featSin] = float32(math.Sin(2 * math.Pi * pos))
	full[featCos] = float32(math.Cos(2 * math.Pi * pos))
	full[featOneHot+slot] = 1

	out := make(FeatureVector, e.dim)
	copy(out, full)
	return out
}

// trend is the least-squares slope of ys against their index.
func trend(ys []float64) float64 {
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta
}

// spectrum returns the normalised magnitudes of frequency bins 1..n of the
// mean-removed series. Bins past Nyquist are zero.
func spectrum(ys []float64, n int) []float64 {
	mean := stat.Mean(ys, nil)
	centred := make([]float64, len(ys))
	for i, v := range ys {
		centred[i] = v - mean
	}
	coeff := fourier.NewFFT(len(ys)).Coefficients(nil, centred)

	out := make([]float64, n)
	for i := 0; i < n && i+1 < len(coeff); i++ {
		out[i] = cmplx.Abs(coeff[i+1]) / float64(len(ys))
	}
	return out
}
