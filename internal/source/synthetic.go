// Package source provides frame sources for the pipeline runner: a
// synthetic generator for soak tests and demos, and a directory replayer
// for recorded image sequences.
package source

import (
	"context"
	"time"

	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var log = monitoring.Component("source")

// Synthetic generates moving gradient frames at a fixed rate.
type Synthetic struct {
	Width, Height int
	Format        frames.PixelFormat
	// FPS is the emission rate. Zero emits as fast as the consumer reads.
	FPS float64
	// Count stops the source after that many frames. Zero runs until the
	// context ends.
	Count int
	// CorruptEvery replaces every Nth frame with a blank one. Zero never.
	CorruptEvery int
	Clock        timeutil.Clock
}

// Frames implements pipeline.FrameSource.
func (s *Synthetic) Frames(ctx context.Context) <-chan *frames.Frame {
	out := make(chan *frames.Frame)
	clock := timeutil.OrReal(s.Clock)
	go func() {
		defer close(out)
		var tick <-chan time.Time
		if s.FPS > 0 {
			t := clock.NewTicker(time.Duration(float64(time.Second) / s.FPS))
			defer t.Stop()
			tick = t.C()
		}
		for i := 1; s.Count == 0 || i <= s.Count; i++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			corrupt := s.CorruptEvery > 0 && i%s.CorruptEvery == 0
			f := s.frame(i, corrupt)
			f.CapturedAt = clock.Now()
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		log.Diag().Int("count", s.Count).Msg("synthetic source exhausted")
	}()
	return out
}

// frame renders gradient i. The phase shifts with i so consecutive frames
// differ.
func (s *Synthetic) frame(i int, blank bool) *frames.Frame {
	w, h := s.Width, s.Height
	if w < 2 {
		w = 64
	}
	if h < 2 {
		h = 64
	}
	f := &frames.Frame{Width: w, Height: h, Format: s.Format}
	for p := 0; p < s.Format.PlaneCount(); p++ {
		stride, rows := s.Format.PlaneSize(p, w, h)
		data := make([]byte, stride*rows)
		if !blank {
			for y := 0; y < rows; y++ {
				for x := 0; x < stride; x++ {
					data[y*stride+x] = byte((x*3 + y*5 + i*7 + p*40) % 251)
				}
			}
			// Keep plane 0 from ever being all zero.
			data[0] |= 1
		}
		f.Planes = append(f.Planes, frames.Plane{Data: data, Stride: stride})
	}
	return f
}
