// Package head implements sentence-level classification heads and the
// per-model collection they are registered in.
package head

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-smlp/internal/nn"
	"github.com/23skdu/longbow-smlp/internal/state"
	"github.com/23skdu/longbow-smlp/internal/tensor"
)

const (
	KeyDenseWeight   = "dense.weight"
	KeyDenseBias     = "dense.bias"
	KeyOutProjWeight = "out_proj.weight"
	KeyOutProjBias   = "out_proj.bias"
)

// Template carries the settings every head of a model shares.
type Template struct {
	InputDim   int
	Activation string
	Mode       Mode
	// Dropout is kept for completeness; it is the identity at inference.
	Dropout             float64
	SpectralNorm        bool
	QuantNoise          float64
	QuantNoiseBlockSize int
}

func (t Template) validate() error {
	if t.InputDim <= 0 {
		return fmt.Errorf("invalid head input dim: %d (must be positive)", t.InputDim)
	}
	if _, err := nn.Activation(t.Activation); err != nil {
		return err
	}
	if _, err := ParseMode(string(t.Mode)); err != nil {
		return err
	}
	if t.SpectralNorm && t.QuantNoise != 0 {
		return fmt.Errorf("spectral normalization with quant noise is not supported")
	}
	return nil
}

// Head maps a pooled sentence vector to class logits:
// dense -> activation -> out_proj.
type Head struct {
	Name         string
	InputDim     int
	InnerDim     int
	NumClasses   int
	Activation   string
	Mode         Mode
	Dropout      float64
	SpectralNorm bool

	Dense   *nn.Linear
	OutProj *nn.Linear
}

// New builds a freshly initialised head. innerDim 0 means the input dim.
func (t Template) New(rng *rand.Rand, name string, numClasses, innerDim int) (*Head, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("head %q: invalid num_classes: %d (must be positive)", name, numClasses)
	}
	if innerDim < 0 {
		return nil, fmt.Errorf("head %q: invalid inner_dim: %d", name, innerDim)
	}
	if innerDim == 0 {
		innerDim = t.InputDim
	}
	mode, _ := ParseMode(string(t.Mode))

	return &Head{
		Name:         name,
		InputDim:     t.InputDim,
		InnerDim:     innerDim,
		NumClasses:   numClasses,
		Activation:   t.Activation,
		Mode:         mode,
		Dropout:      t.Dropout,
		SpectralNorm: t.SpectralNorm,
		Dense:        nn.NewLinear(rng, t.InputDim, innerDim),
		OutProj:      nn.NewLinear(rng, innerDim, numClasses),
	}, nil
}

func (h *Head) Shape() state.HeadShape {
	return state.HeadShape{NumClasses: h.NumClasses, InnerDim: h.InnerDim}
}

// StateDict returns the head parameters keyed relative to the head.
func (h *Head) StateDict() state.Dict {
	return state.Dict{
		KeyDenseWeight:   h.Dense.Weight,
		KeyDenseBias:     h.Dense.Bias,
		KeyOutProjWeight: h.OutProj.Weight,
		KeyOutProjBias:   h.OutProj.Bias,
	}
}

// Load copies head-relative parameters into the head. Every parameter must be
// present with the head's current shape.
func (h *Head) Load(d state.Dict) error {
	if err := h.check(d); err != nil {
		return err
	}
	h.assign(d)
	return nil
}

func (h *Head) targets() map[string]**tensor.Tensor {
	return map[string]**tensor.Tensor{
		KeyDenseWeight:   &h.Dense.Weight,
		KeyDenseBias:     &h.Dense.Bias,
		KeyOutProjWeight: &h.OutProj.Weight,
		KeyOutProjBias:   &h.OutProj.Bias,
	}
}

// check verifies d could be loaded without changing the head.
func (h *Head) check(d state.Dict) error {
	for key, dst := range h.targets() {
		src, ok := d[key]
		if !ok || src == nil {
			return fmt.Errorf("head %q: missing %s", h.Name, key)
		}
		if !src.SameShape(*dst) {
			return fmt.Errorf("head %q: %s shape %v does not match %v", h.Name, key, src.Shape, (*dst).Shape)
		}
	}
	return nil
}

func (h *Head) assign(d state.Dict) {
	for key, dst := range h.targets() {
		*dst = d[key].Clone()
	}
}

// Forward computes logits [B, NumClasses] from features [B, T, C]. lengths,
// when non-nil, gives the valid token count per example for mean pooling.
func (h *Head) Forward(features *tensor.Tensor, lengths []int) (*tensor.Tensor, error) {
	x, err := h.pool(features, lengths)
	if err != nil {
		return nil, err
	}

	act, err := nn.Activation(h.Activation)
	if err != nil {
		return nil, err
	}
	y, err := h.Dense.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("head %q dense: %w", h.Name, err)
	}
	nn.Apply(y, act)

	w := nn.ToDense(h.OutProj.Weight)
	if h.SpectralNorm {
		if w, err = nn.SpectralNorm(w); err != nil {
			return nil, fmt.Errorf("head %q: %w", h.Name, err)
		}
	}
	logits, err := h.OutProj.ForwardWeight(y, w)
	if err != nil {
		return nil, fmt.Errorf("head %q out_proj: %w", h.Name, err)
	}
	return nn.FromDense(logits), nil
}

// pool collapses [B, T, C] features into a [B, C] matrix.
func (h *Head) pool(features *tensor.Tensor, lengths []int) (*mat.Dense, error) {
	if h.Mode != ModeCLS && h.Mode != ModeMeanPool {
		return nil, UnsupportedModeError{Mode: string(h.Mode)}
	}
	if features.Rank() != 3 {
		return nil, fmt.Errorf("head %q: features must be [batch, time, channels], got %v", h.Name, features.Shape)
	}
	b, t, c := features.Dim(0), features.Dim(1), features.Dim(2)
	if c != h.InputDim {
		return nil, fmt.Errorf("head %q: feature width %d does not match input dim %d", h.Name, c, h.InputDim)
	}
	if b == 0 || t == 0 {
		return nil, fmt.Errorf("head %q: empty features %v", h.Name, features.Shape)
	}
	if lengths != nil && len(lengths) != b {
		return nil, fmt.Errorf("head %q: %d lengths for batch of %d", h.Name, len(lengths), b)
	}

	out := mat.NewDense(b, c, nil)
	row := make([]float64, c)
	tok := make([]float64, c)
	for i := 0; i < b; i++ {
		base := i * t * c
		switch h.Mode {
		case ModeCLS:
			widen(row, features.Data[base:base+c])
		case ModeMeanPool:
			n := t
			if lengths != nil {
				n = lengths[i]
				if n <= 0 || n > t {
					return nil, fmt.Errorf("head %q: length %d of example %d outside [1, %d]", h.Name, n, i, t)
				}
			}
			for k := range row {
				row[k] = 0
			}
			for j := 0; j < n; j++ {
				off := base + j*c
				widen(tok, features.Data[off:off+c])
				floats.Add(row, tok)
			}
			floats.Scale(1/float64(n), row)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

func widen(dst []float64, src []float32) {
	for i, v := range src {
		dst[i] = float64(v)
	}
}
