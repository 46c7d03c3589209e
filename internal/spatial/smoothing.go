package spatial

type smoothingEntry struct {
	label      string
	confidence float32
}

// smoother keeps the last n gated predictions.
type smoother struct {
	entries []smoothingEntry
	n       int
}

func newSmoother(n int) *smoother {
	if n < 1 {
		n = 1
	}
	return &smoother{n: n, entries: make([]smoothingEntry, 0, n)}
}

// add records a prediction. Once the window is full it returns the most
// frequent label, ties going to the label seen most recently, with the mean
// confidence of that label's entries. Before that it returns the input
// unchanged and ok is false.
func (s *smoother) add(label string, confidence float32) (string, float32, bool) {
	if len(s.entries) == s.n {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:s.n-1]
	}
	s.entries = append(s.entries, smoothingEntry{label: label, confidence: confidence})
	if len(s.entries) < s.n {
		return label, confidence, false
	}

	counts := make(map[string]int, len(s.entries))
	sums := make(map[string]float32, len(s.entries))
	for _, e := range s.entries {
		counts[e.label]++
		sums[e.label] += e.confidence
	}

	best, bestCount := "", 0
	// Newest first so the first label reaching the max count is the most
	// recently seen one.
	for i := len(s.entries) - 1; i >= 0; i-- {
		l := s.entries[i].label
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best, sums[best] / float32(bestCount), true
}

func (s *smoother) reset() {
	s.entries = s.entries[:0]
}

func (s *smoother) len() int { return len(s.entries) }
