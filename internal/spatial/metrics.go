package spatial

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics summarises recent classifier performance. Observability only;
// nothing in the pipeline branches on it.
type Metrics struct {
	FramesProcessed uint64
	MeanLatency     time.Duration
	MaxLatency      time.Duration
	MeanConfidence  float64
	// FPS is the effective classification rate over the rolling window.
	FPS float64
}

// rollingMetrics keeps the last n samples of latency, confidence and
// completion time.
type rollingMetrics struct {
	mu        sync.Mutex
	n         int
	latencies []float64 // milliseconds
	confs     []float64
	times     []time.Time
	processed uint64
}

func newRollingMetrics(n int) *rollingMetrics {
	if n < 2 {
		n = 2
	}
	return &rollingMetrics{n: n}
}

func (m *rollingMetrics) observe(at time.Time, latency time.Duration, confidence float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.latencies = pushBounded(m.latencies, float64(latency)/float64(time.Millisecond), m.n)
	m.confs = pushBounded(m.confs, float64(confidence), m.n)
	if len(m.times) == m.n {
		m.times = append(m.times[:0], m.times[1:]...)
	}
	m.times = append(m.times, at)
}

func pushBounded(s []float64, v float64, n int) []float64 {
	if len(s) == n {
		s = append(s[:0], s[1:]...)
	}
	return append(s, v)
}

func (m *rollingMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{FramesProcessed: m.processed}
	if len(m.latencies) == 0 {
		return out
	}
	out.MeanLatency = time.Duration(stat.Mean(m.latencies, nil) * float64(time.Millisecond))
	maxMs := 0.0
	for _, v := range m.latencies {
		if v > maxMs {
			maxMs = v
		}
	}
	out.MaxLatency = time.Duration(maxMs * float64(time.Millisecond))
	out.MeanConfidence = stat.Mean(m.confs, nil)
	if len(m.times) > 1 {
		span := m.times[len(m.times)-1].Sub(m.times[0]).Seconds()
		if span > 0 {
			out.FPS = float64(len(m.times)-1) / span
		}
	}
	return out
}

func (m *rollingMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = m.latencies[:0]
	m.confs = m.confs[:0]
	m.times = m.times[:0]
}
