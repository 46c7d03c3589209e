package source

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/banshee-data/signsync/internal/frames"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".bmp": true,
}

// Directory replays the images in a directory, in name order, as RGBA
// frames. Files that fail to decode are skipped with a warning.
type Directory struct {
	Dir string
	// FPS paces the replay. Zero replays as fast as the consumer reads.
	FPS float64
	// Loop restarts from the first image after the last.
	Loop  bool
	Clock timeutil.Clock
}

// Files lists the replayable images in name order.
func (d *Directory) Files() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(d.Dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Frames implements pipeline.FrameSource. The channel closes at once when
// the directory cannot be read or holds no images.
func (d *Directory) Frames(ctx context.Context) <-chan *frames.Frame {
	out := make(chan *frames.Frame)
	clock := timeutil.OrReal(d.Clock)
	go func() {
		defer close(out)
		files, err := d.Files()
		if err != nil {
			log.Error().Err(err).Str("dir", d.Dir).Msg("frame directory unavailable")
			return
		}
		if len(files) == 0 {
			log.Warn().Str("dir", d.Dir).Msg("no images to replay")
			return
		}

		var tick <-chan time.Time
		if d.FPS > 0 {
			t := clock.NewTicker(time.Duration(float64(time.Second) / d.FPS))
			defer t.Stop()
			tick = t.C()
		}
		for {
			for _, path := range files {
				if tick != nil {
					select {
					case <-ctx.Done():
						return
					case <-tick:
					}
				}
				f, err := LoadImage(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("skipping image")
					continue
				}
				f.CapturedAt = clock.Now()
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
			if !d.Loop {
				return
			}
		}
	}()
	return out
}

// LoadImage decodes an image file into an RGBA frame.
func LoadImage(path string) (*frames.Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return FromImage(img), nil
}

// FromImage converts any image to an RGBA frame.
func FromImage(img image.Image) *frames.Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &frames.Frame{
		Planes: []frames.Plane{{Data: rgba.Pix, Stride: rgba.Stride}},
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: frames.FormatRGBA,
	}
}
