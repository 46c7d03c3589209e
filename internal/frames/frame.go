// Package frames holds camera frames between capture and inference.
//
// A Frame is immutable once pushed: the producer must not touch its planes
// afterwards, and consumers read them without copying.
package frames

import (
	"fmt"
	"time"
)

// PixelFormat tags the layout of a frame's planes.
type PixelFormat int

const (
	// FormatRGBA is one interleaved plane, 4 bytes per pixel.
	FormatRGBA PixelFormat = iota
	// FormatGray is one plane, 1 byte per pixel.
	FormatGray
	// FormatYUV420 is three planes (Y, U, V), chroma subsampled 2x2.
	FormatYUV420
	// FormatNV21 is two planes (Y, interleaved VU), chroma subsampled 2x2.
	FormatNV21
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatGray:
		return "gray"
	case FormatYUV420:
		return "yuv420"
	case FormatNV21:
		return "nv21"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// PlaneCount returns how many planes the format carries.
func (f PixelFormat) PlaneCount() int {
	switch f {
	case FormatYUV420:
		return 3
	case FormatNV21:
		return 2
	default:
		return 1
	}
}

// PlaneSize returns the minimum stride and row count of plane i for a frame
// of the given dimensions.
func (f PixelFormat) PlaneSize(i, width, height int) (minStride, rows int) {
	cw, ch := (width+1)/2, (height+1)/2
	switch f {
	case FormatRGBA:
		return width * 4, height
	case FormatGray:
		return width, height
	case FormatYUV420:
		if i == 0 {
			return width, height
		}
		return cw, ch
	case FormatNV21:
		if i == 0 {
			return width, height
		}
		return cw * 2, ch
	}
	return 0, 0
}

// Plane is one block of pixel data.
type Plane struct {
	Data   []byte
	Stride int
}

// Frame is one captured camera image.
type Frame struct {
	Planes []Plane
	Width  int
	Height int
	Format PixelFormat

	// CapturedAt is the source capture time, not the processing time.
	CapturedAt time.Time

	// Seq is monotonically increasing per buffer. Assigned by Buffer.Push
	// when left zero by the producer.
	Seq uint64

	// Latency is the delay between capture and arrival in the buffer.
	Latency time.Duration
}

// String returns a short description for logs.
func (f *Frame) String() string {
	if f == nil {
		return "frame<nil>"
	}
	return fmt.Sprintf("frame#%d %dx%d %s", f.Seq, f.Width, f.Height, f.Format)
}
