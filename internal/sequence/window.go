package sequence

import (
	"github.com/banshee-data/signsync/internal/spatial"
)

// Window is the fixed-capacity FIFO of recent feature vectors and the
// spatial predictions they came from. Not safe for concurrent use; the
// Classifier guards it.
type Window struct {
	capacity int
	features []FeatureVector
	preds    []*spatial.Prediction
}

// NewWindow returns an empty window. capacity < 1 is treated as 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		features: make([]FeatureVector, 0, capacity),
		preds:    make([]*spatial.Prediction, 0, capacity),
	}
}

// Push appends an entry, evicting the oldest at capacity.
func (w *Window) Push(fv FeatureVector, p *spatial.Prediction) {
	if len(w.features) == w.capacity {
		copy(w.features, w.features[1:])
		copy(w.preds, w.preds[1:])
		w.features = w.features[:w.capacity-1]
		w.preds = w.preds[:w.capacity-1]
	}
	w.features = append(w.features, fv)
	w.preds = append(w.preds, p)
}

// Len returns the number of entries.
func (w *Window) Len() int { return len(w.features) }

// Cap returns the capacity.
func (w *Window) Cap() int { return w.capacity }

// Confidences returns the spatial confidences, oldest first.
func (w *Window) Confidences() []float64 {
	out := make([]float64, len(w.preds))
	for i, p := range w.preds {
		out[i] = float64(p.Confidence)
	}
	return out
}

// Predictions returns a copy of the stored predictions, oldest first.
func (w *Window) Predictions() []*spatial.Prediction {
	return append([]*spatial.Prediction(nil), w.preds...)
}

// Flatten returns capacity*dim values with the entries right aligned, so
// a partial window is zero padded at the front.
func (w *Window) Flatten(dim int) []float32 {
	out := make([]float32, w.capacity*dim)
	offset := (w.capacity - len(w.features)) * dim
	for i, fv := range w.features {
		copy(out[offset+i*dim:offset+(i+1)*dim], fv)
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.preds {
		w.preds[i] = nil
		w.features[i] = nil
	}
	w.features = w.features[:0]
	w.preds = w.preds[:0]
}
