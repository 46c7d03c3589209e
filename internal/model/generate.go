package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat/distuv"
)

// RandomDense returns a model with normally distributed weights, scaled by
// 1/sqrt(inputs) so the logits stay in a usable range. The same seed always
// yields the same model.
func RandomDense(inputs, outputs, steps int, dtype DType, seed uint64) DenseModel {
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	w := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(max(inputs, 1))), Src: src}
	b := distuv.Normal{Mu: 0, Sigma: 0.1, Src: src}

	m := DenseModel{
		Inputs:  inputs,
		Outputs: outputs,
		Steps:   steps,
		DType:   dtype,
		Weights: make([]float32, inputs*outputs),
		Bias:    make([]float32, outputs),
	}
	for i := range m.Weights {
		m.Weights[i] = float32(w.Rand())
	}
	for i := range m.Bias {
		m.Bias[i] = float32(b.Rand())
	}
	return m
}

// WriteDenseFile writes m to path through a temporary file in the same
// directory, so readers never see a partial asset.
func WriteDenseFile(path string, m DenseModel) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ssdn-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteDense(tmp, m); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
