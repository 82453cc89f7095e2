package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-smlp/internal/tensor"
)

// InitStd is the BERT initialisation standard deviation for linear weights.
const InitStd = 0.02

// Linear is an affine map y = x W^T + b with Weight shaped [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// NewLinear initialises weights from N(0, InitStd^2) and zeroes the bias.
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	return &Linear{
		Weight: tensor.Normal(rng, InitStd, out, in),
		Bias:   tensor.Zeros(out),
	}
}

func (l *Linear) In() int  { return l.Weight.Dim(1) }
func (l *Linear) Out() int { return l.Weight.Dim(0) }

// Forward maps x [B, in] to [B, out].
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	return l.forward(x, ToDense(l.Weight))
}

// ForwardWeight is Forward with a substitute weight matrix, used when the
// stored weight is reparameterised (spectral norm).
func (l *Linear) ForwardWeight(x *mat.Dense, w *mat.Dense) (*mat.Dense, error) {
	return l.forward(x, w)
}

func (l *Linear) forward(x, w *mat.Dense) (*mat.Dense, error) {
	_, in := x.Dims()
	out, win := w.Dims()
	if in != win {
		return nil, fmt.Errorf("linear: input width %d does not match weight %dx%d", in, out, win)
	}
	if l.Bias.Len() != out {
		return nil, fmt.Errorf("linear: bias length %d does not match output width %d", l.Bias.Len(), out)
	}

	var y mat.Dense
	y.Mul(x, w.T())
	y.Apply(func(_, j int, v float64) float64 {
		return v + float64(l.Bias.Data[j])
	}, &y)
	return &y, nil
}

// ToDense copies a rank-2 tensor into a gonum matrix.
func ToDense(t *tensor.Tensor) *mat.Dense {
	data := make([]float64, t.Len())
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(t.Dim(0), t.Dim(1), data)
}

// FromDense copies a gonum matrix into a rank-2 tensor.
func FromDense(m mat.Matrix) *tensor.Tensor {
	r, c := m.Dims()
	out := tensor.Zeros(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data[i*c+j] = float32(m.At(i, j))
		}
	}
	return out
}

// Apply runs f over every element of m in place.
func Apply(m *mat.Dense, f ActivationFunc) {
	m.Apply(func(_, _ int, v float64) float64 {
		return f(v)
	}, m)
}
