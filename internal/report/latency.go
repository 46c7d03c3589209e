// Package report renders run summaries as PNG plots.
package report

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/signsync/internal/events"
	"github.com/banshee-data/signsync/internal/fanout"
	"github.com/banshee-data/signsync/internal/monitoring"
)

var log = monitoring.Component("report")

// Sample is one classified frame.
type Sample struct {
	Index      int
	Seq        uint64
	Label      string
	Latency    time.Duration
	Confidence float32
}

// LatencyRecorder accumulates per-frame latency and confidence from the
// event stream and plots them after a run.
type LatencyRecorder struct {
	mu       sync.Mutex
	samples  []Sample
	sequence []plotter.XY // sample index, sequence confidence
	limit    int
}

// NewLatencyRecorder keeps at most limit samples; older ones are dropped.
// limit < 1 keeps 10000.
func NewLatencyRecorder(limit int) *LatencyRecorder {
	if limit < 1 {
		limit = 10000
	}
	return &LatencyRecorder{limit: limit}
}

// Observe records ev if it carries a prediction.
func (r *LatencyRecorder) Observe(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ev.Spatial != nil:
		idx := 0
		if n := len(r.samples); n > 0 {
			idx = r.samples[n-1].Index + 1
		}
		r.samples = append(r.samples, Sample{
			Index:      idx,
			Seq:        ev.Spatial.FrameSeq,
			Label:      ev.Spatial.Label,
			Latency:    ev.Spatial.Latency,
			Confidence: ev.Spatial.Confidence,
		})
		if len(r.samples) > r.limit {
			r.samples = append(r.samples[:0], r.samples[len(r.samples)-r.limit:]...)
		}
	case ev.Sequence != nil:
		x := 0.0
		if n := len(r.samples); n > 0 {
			x = float64(r.samples[n-1].Index)
		}
		r.sequence = append(r.sequence, plotter.XY{X: x, Y: float64(ev.Sequence.Confidence)})
		if len(r.sequence) > r.limit {
			r.sequence = append(r.sequence[:0], r.sequence[len(r.sequence)-r.limit:]...)
		}
	}
}

// Consume observes events from sub until ctx is done or sub closes.
func (r *LatencyRecorder) Consume(ctx context.Context, sub *fanout.Subscription[events.Event]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			r.Observe(ev)
		}
	}
}

// Samples returns a copy of the recorded spatial samples.
func (r *LatencyRecorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// LabelCounts returns how many samples carried each label.
func (r *LatencyRecorder) LabelCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, s := range r.samples {
		out[s.Label]++
	}
	return out
}

// GeneratePlots writes latency.png, confidence.png and labels.png into
// dir and returns the paths written. With no samples nothing is written.
func (r *LatencyRecorder) GeneratePlots(dir string) ([]string, error) {
	r.mu.Lock()
	samples := append([]Sample(nil), r.samples...)
	seq := append(plotter.XYs(nil), r.sequence...)
	r.mu.Unlock()

	if len(samples) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	latPts := make(plotter.XYs, len(samples))
	confPts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		latPts[i] = plotter.XY{X: float64(s.Index), Y: float64(s.Latency) / float64(time.Millisecond)}
		confPts[i] = plotter.XY{X: float64(s.Index), Y: float64(s.Confidence)}
	}

	pLat := plot.New()
	pLat.Title.Text = "Spatial inference latency"
	pLat.X.Label.Text = "Frame"
	pLat.Y.Label.Text = "Latency (ms)"
	if err := addLine(pLat, "latency", latPts, color.RGBA{R: 200, A: 255}); err != nil {
		return nil, err
	}

	pConf := plot.New()
	pConf.Title.Text = "Prediction confidence"
	pConf.X.Label.Text = "Frame"
	pConf.Y.Label.Text = "Confidence"
	pConf.Y.Min, pConf.Y.Max = 0, 1
	if err := addLine(pConf, "spatial", confPts, color.RGBA{B: 200, A: 255}); err != nil {
		return nil, err
	}
	if len(seq) > 0 {
		sc, err := plotter.NewScatter(seq)
		if err != nil {
			return nil, err
		}
		sc.Color = color.RGBA{G: 160, A: 255}
		pConf.Add(sc)
		pConf.Legend.Add("sequence", sc)
	}
	pConf.Legend.Top = true

	pLabels, err := labelHistogram(samples)
	if err != nil {
		return nil, err
	}

	outputs := []struct {
		p    *plot.Plot
		name string
	}{
		{pLat, "latency.png"},
		{pConf, "confidence.png"},
		{pLabels, "labels.png"},
	}
	var written []string
	for _, o := range outputs {
		path := filepath.Join(dir, o.name)
		if err := o.p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", o.name, err)
		}
		written = append(written, path)
	}
	log.Ops().Int("samples", len(samples)).Str("dir", dir).Msg("report plots written")
	return written, nil
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

func labelHistogram(samples []Sample) (*plot.Plot, error) {
	counts := make(map[string]int)
	for _, s := range samples {
		counts[s.Label]++
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	values := make(plotter.Values, len(labels))
	for i, l := range labels {
		values[i] = float64(counts[l])
	}

	p := plot.New()
	p.Title.Text = "Predicted labels"
	p.Y.Label.Text = "Frames"
	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return nil, err
	}
	bars.Color = color.RGBA{R: 90, G: 90, B: 200, A: 255}
	p.Add(bars)
	p.NominalX(labels...)
	return p, nil
}
