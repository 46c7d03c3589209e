package spatial

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/banshee-data/signsync/internal/frames"
)

// Normalization maps 0..1 channel values to model input as (v-Mean)/Std.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// UnitNormalization leaves channel values in [0, 1].
var UnitNormalization = Normalization{Std: [3]float32{1, 1, 1}}

// Preprocess converts f to an RGB image, resizes it to side x side with
// bilinear interpolation and returns the normalised HWC tensor of
// side*side*3 values. It does not modify f.
func Preprocess(f *frames.Frame, side int, norm Normalization) ([]float32, error) {
	if side < 1 {
		return nil, fmt.Errorf("invalid input side %d", side)
	}
	src, err := toImage(f)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var inv [3]float32
	for c := 0; c < 3; c++ {
		std := norm.Std[c]
		if std == 0 {
			std = 1
		}
		inv[c] = 1 / std
	}

	out := make([]float32, side*side*3)
	for y := 0; y < side; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+side*4]
		for x := 0; x < side; x++ {
			o := (y*side + x) * 3
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				out[o+c] = (v - norm.Mean[c]) * inv[c]
			}
		}
	}
	return out, nil
}

// toImage wraps the frame planes as an image.Image without copying where
// the layout allows it.
func toImage(f *frames.Frame) (image.Image, error) {
	if reason := corruption(f); reason != "" {
		return nil, fmt.Errorf("cannot preprocess %s: %s", f, reason)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	p0 := f.Planes[0]

	switch f.Format {
	case frames.FormatRGBA:
		return &image.RGBA{Pix: p0.Data, Stride: p0.Stride, Rect: rect}, nil
	case frames.FormatGray:
		return &image.Gray{Pix: p0.Data, Stride: p0.Stride, Rect: rect}, nil
	case frames.FormatYUV420:
		return &image.YCbCr{
			Y:              p0.Data,
			Cb:             f.Planes[1].Data,
			Cr:             f.Planes[2].Data,
			YStride:        p0.Stride,
			CStride:        f.Planes[1].Stride,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	case frames.FormatNV21:
		// De-interleave VU pairs into separate chroma planes.
		cw, ch := (f.Width+1)/2, (f.Height+1)/2
		vu := f.Planes[1]
		cb := make([]byte, cw*ch)
		cr := make([]byte, cw*ch)
		for y := 0; y < ch; y++ {
			row := vu.Data[y*vu.Stride:]
			for x := 0; x < cw; x++ {
				cr[y*cw+x] = row[2*x]
				cb[y*cw+x] = row[2*x+1]
			}
		}
		return &image.YCbCr{
			Y:              p0.Data,
			Cb:             cb,
			Cr:             cr,
			YStride:        p0.Stride,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %s", f.Format)
}

// corruption returns why f is unusable, or "" when it looks valid.
func corruption(f *frames.Frame) string {
	if f == nil {
		return "nil frame"
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Sprintf("invalid dimensions %dx%d", f.Width, f.Height)
	}
	if len(f.Planes) < f.Format.PlaneCount() {
		return fmt.Sprintf("%d planes, %s needs %d", len(f.Planes), f.Format, f.Format.PlaneCount())
	}
	for i := 0; i < f.Format.PlaneCount(); i++ {
		p := f.Planes[i]
		minStride, rows := f.Format.PlaneSize(i, f.Width, f.Height)
		if minStride == 0 {
			return fmt.Sprintf("unsupported pixel format %s", f.Format)
		}
		if p.Stride < minStride {
			return fmt.Sprintf("plane %d stride %d < %d", i, p.Stride, minStride)
		}
		if need := p.Stride*(rows-1) + minStride; len(p.Data) < need {
			return fmt.Sprintf("plane %d has %d bytes, needs %d", i, len(p.Data), need)
		}
	}
	if allZero(f.Planes[0].Data) {
		return "blank image"
	}
	return ""
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
