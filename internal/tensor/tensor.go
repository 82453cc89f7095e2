package tensor

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// Tensor is a dense row-major float32 array. Shape[0] is the outermost dimension.
type Tensor struct {
	Shape []int
	Data  []float32
}

// ErrShape reports data whose length does not match the declared shape.
type ErrShape struct {
	Shape []int
	Len   int
}

func (e ErrShape) Error() string {
	return fmt.Sprintf("tensor shape %v needs %d elements, got %d", e.Shape, NumElements(e.Shape), e.Len)
}

func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func New(shape []int, data []float32) (*Tensor, error) {
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	if NumElements(shape) != len(data) {
		return nil, ErrShape{Shape: shape, Len: len(data)}
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, NumElements(shape))}
}

// Ones is used for normalisation gains.
func Ones(shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

// Normal draws every element from N(0, std^2).
func Normal(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i, or 0 when the tensor has fewer dimensions.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

func (t *Tensor) Equal(o *Tensor) bool {
	return t.SameShape(o) && slices.Equal(t.Data, o.Data)
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
