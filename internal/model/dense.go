package model

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/signsync/internal/failure"
)

// SSDN layout, little endian:
//
//	magic    [4]byte "SSDN"
//	version  uint16  (1)
//	dtype    uint8   (DTypeFloat32, DTypeInt8, DTypeFloat16)
//	_        uint8
//	inputs   uint32
//	outputs  uint32  (steps * classes)
//	steps    uint32  (1 for a flat distribution)
//	scale    float32 (int8 dequantisation factor, else 0)
//	weights  outputs*inputs values of dtype, row major
//	bias     outputs float32 values
const (
	denseMagic   = "SSDN"
	denseVersion = 1
	headerSize   = 4 + 2 + 1 + 1 + 4 + 4 + 4 + 4

	// maxDenseValues bounds a weight matrix so a corrupt header cannot
	// trigger a huge allocation.
	maxDenseValues = 64 << 20
)

// DType is the on-disk weight encoding.
type DType uint8

const (
	DTypeFloat32 DType = iota
	DTypeInt8
	DTypeFloat16
)

func (d DType) size() int {
	switch d {
	case DTypeInt8:
		return 1
	case DTypeFloat16:
		return 2
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeInt8:
		return "int8"
	case DTypeFloat16:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

type denseHeader struct {
	Magic   [4]byte
	Version uint16
	DType   DType
	_       uint8
	Inputs  uint32
	Outputs uint32
	Steps   uint32
	Scale   float32
}

// DenseModel is the in-memory form of an SSDN asset.
type DenseModel struct {
	Inputs  int
	Outputs int
	// Steps splits Outputs into Steps softmax groups. Zero means 1.
	Steps   int
	DType   DType
	Weights []float32 // Outputs x Inputs, row major
	Bias    []float32 // Outputs
}

func (m DenseModel) steps() int {
	if m.Steps < 1 {
		return 1
	}
	return m.Steps
}

func (m DenseModel) validate() error {
	switch {
	case m.Inputs < 1 || m.Outputs < 1:
		return fmt.Errorf("invalid shape %dx%d", m.Outputs, m.Inputs)
	case m.Outputs%m.steps() != 0:
		return fmt.Errorf("outputs %d not divisible by steps %d", m.Outputs, m.steps())
	case len(m.Weights) != m.Inputs*m.Outputs:
		return fmt.Errorf("weights length %d, want %d", len(m.Weights), m.Inputs*m.Outputs)
	case len(m.Bias) != m.Outputs:
		return fmt.Errorf("bias length %d, want %d", len(m.Bias), m.Outputs)
	}
	return nil
}

// WriteDense encodes m in SSDN format. Int8 weights are quantised with a
// single symmetric scale.
func WriteDense(w io.Writer, m DenseModel) error {
	if err := m.validate(); err != nil {
		return err
	}
	h := denseHeader{
		Version: denseVersion,
		DType:   m.DType,
		Inputs:  uint32(m.Inputs),
		Outputs: uint32(m.Outputs),
		Steps:   uint32(m.steps()),
	}
	copy(h.Magic[:], denseMagic)

	bw := bufio.NewWriter(w)
	var payload interface{}
	switch m.DType {
	case DTypeFloat32:
		payload = m.Weights
	case DTypeInt8:
		maxAbs := float32(0)
		for _, v := range m.Weights {
			if a := float32(math.Abs(float64(v))); a > maxAbs {
				maxAbs = a
			}
		}
		h.Scale = 1
		if maxAbs > 0 {
			h.Scale = maxAbs / 127
		}
		q := make([]int8, len(m.Weights))
		for i, v := range m.Weights {
			q[i] = int8(math.Round(float64(v / h.Scale)))
		}
		payload = q
	case DTypeFloat16:
		q := make([]uint16, len(m.Weights))
		for i, v := range m.Weights {
			q[i] = float32ToHalf(v)
		}
		payload = q
	default:
		return fmt.Errorf("unsupported dtype %s", m.DType)
	}

	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, payload); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, m.Bias); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadDense decodes an SSDN stream of the given total size. size < 0 skips
// the trailing length check.
func ReadDense(r io.Reader, size int64) (DenseModel, error) {
	var h denseHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return DenseModel{}, fmt.Errorf("read header: %w", err)
	}
	if string(h.Magic[:]) != denseMagic {
		return DenseModel{}, fmt.Errorf("bad magic %q", h.Magic[:])
	}
	if h.Version != denseVersion {
		return DenseModel{}, fmt.Errorf("unsupported version %d", h.Version)
	}
	n := uint64(h.Inputs) * uint64(h.Outputs)
	if n == 0 || n > maxDenseValues {
		return DenseModel{}, fmt.Errorf("invalid shape %dx%d", h.Outputs, h.Inputs)
	}
	if h.DType > DTypeFloat16 {
		return DenseModel{}, fmt.Errorf("unsupported dtype %s", h.DType)
	}
	if size >= 0 {
		want := int64(headerSize) + int64(n)*int64(h.DType.size()) + int64(h.Outputs)*4
		if size != want {
			return DenseModel{}, fmt.Errorf("asset is %d bytes, header implies %d", size, want)
		}
	}

	m := DenseModel{
		Inputs:  int(h.Inputs),
		Outputs: int(h.Outputs),
		Steps:   int(h.Steps),
		DType:   h.DType,
		Weights: make([]float32, n),
		Bias:    make([]float32, h.Outputs),
	}
	switch h.DType {
	case DTypeFloat32:
		if err := binary.Read(r, binary.LittleEndian, m.Weights); err != nil {
			return DenseModel{}, fmt.Errorf("read weights: %w", err)
		}
	case DTypeInt8:
		q := make([]int8, n)
		if err := binary.Read(r, binary.LittleEndian, q); err != nil {
			return DenseModel{}, fmt.Errorf("read weights: %w", err)
		}
		for i, v := range q {
			m.Weights[i] = float32(v) * h.Scale
		}
	case DTypeFloat16:
		q := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, q); err != nil {
			return DenseModel{}, fmt.Errorf("read weights: %w", err)
		}
		for i, v := range q {
			m.Weights[i] = halfToFloat32(v)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, m.Bias); err != nil {
		return DenseModel{}, fmt.Errorf("read bias: %w", err)
	}
	if err := m.validate(); err != nil {
		return DenseModel{}, err
	}
	return m, nil
}

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("model closed")

// DenseRunner evaluates softmax(W·x + b), applying softmax separately to
// each of the model's steps.
type DenseRunner struct {
	w      *mat.Dense
	b      *mat.VecDense
	steps  int
	closed atomic.Bool
}

// NewDenseRunner builds a runner from an in-memory model.
func NewDenseRunner(m DenseModel) (*DenseRunner, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	w := make([]float64, len(m.Weights))
	for i, v := range m.Weights {
		w[i] = float64(v)
	}
	b := make([]float64, len(m.Bias))
	for i, v := range m.Bias {
		b[i] = float64(v)
	}
	return &DenseRunner{
		w:     mat.NewDense(m.Outputs, m.Inputs, w),
		b:     mat.NewVecDense(m.Outputs, b),
		steps: m.steps(),
	}, nil
}

// InputSize implements Runner.
func (r *DenseRunner) InputSize() int {
	_, c := r.w.Dims()
	return c
}

// OutputSize implements Runner.
func (r *DenseRunner) OutputSize() int {
	rows, _ := r.w.Dims()
	return rows
}

// Steps returns the number of softmax groups in the output.
func (r *DenseRunner) Steps() int { return r.steps }

// Run implements Runner.
func (r *DenseRunner) Run(ctx context.Context, input []float32) ([]float32, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(input) != r.InputSize() {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), r.InputSize())
	}

	x := make([]float64, len(input))
	for i, v := range input {
		x[i] = float64(v)
	}
	var y mat.VecDense
	y.MulVec(r.w, mat.NewVecDense(len(x), x))
	y.AddVec(&y, r.b)

	logits := y.RawVector().Data
	out := make([]float32, len(logits))
	group := len(logits) / r.steps
	for s := 0; s < r.steps; s++ {
		softmax(logits[s*group:(s+1)*group], out[s*group:(s+1)*group])
	}
	return out, nil
}

// Close implements Runner.
func (r *DenseRunner) Close() error {
	r.closed.Store(true)
	return nil
}

func softmax(logits []float64, out []float32) {
	maxV := floats.Max(logits)
	exp := make([]float64, len(logits))
	for i, v := range logits {
		exp[i] = math.Exp(v - maxV)
	}
	floats.Scale(1/floats.Sum(exp), exp)
	for i, v := range exp {
		out[i] = float32(v)
	}
}

// DenseLoader loads SSDN assets from the filesystem.
type DenseLoader struct{}

// Load implements Loader.
func (DenseLoader) Load(ctx context.Context, path string) (Runner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.ModelLoadError(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, failure.ModelLoadError(path, err)
	}
	m, err := ReadDense(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, failure.ModelLoadError(path, err)
	}
	r, err := NewDenseRunner(m)
	if err != nil {
		return nil, failure.ModelLoadError(path, err)
	}
	log.Diag().Str("path", path).Str("dtype", m.DType.String()).
		Int("inputs", m.Inputs).Int("outputs", m.Outputs).Msg("dense model loaded")
	return r, nil
}

// StatAsset checks that path names a readable regular file without loading
// it. Lazy initialisation uses it to fail fast on missing assets.
func StatAsset(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return failure.ModelLoadError(path, err)
	}
	if info.IsDir() {
		return failure.ModelLoadError(path, errors.New("is a directory"))
	}
	if info.Size() < headerSize {
		return failure.ModelLoadError(path, fmt.Errorf("asset is %d bytes", info.Size()))
	}
	return nil
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)
	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal
		v := float32(frac) / 1024 * float32(math.Pow(2, -14))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff
	switch {
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		// flush small values to signed zero
		return sign
	}
	return sign | uint16(exp)<<10 | uint16(frac>>13)
}
