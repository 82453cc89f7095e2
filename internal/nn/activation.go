package nn

import (
	"fmt"
	"math"
	"sort"
)

// ActivationFunc is applied element-wise.
type ActivationFunc func(float64) float64

var activations = map[string]ActivationFunc{
	"relu": func(x float64) float64 {
		return math.Max(0, x)
	},
	"gelu": func(x float64) float64 {
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	},
	"gelu_fast":     geluTanh,
	"gelu_accurate": geluTanh,
	"tanh":          math.Tanh,
	"linear": func(x float64) float64 {
		return x
	},
	"sigmoid": func(x float64) float64 {
		return 1 / (1 + math.Exp(-x))
	},
}

// geluTanh is the tanh approximation of GELU.
func geluTanh(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

// Activation looks up an activation function by name.
func Activation(name string) (ActivationFunc, error) {
	f, ok := activations[name]
	if !ok {
		return nil, fmt.Errorf("unsupported activation function: %q", name)
	}
	return f, nil
}

// ActivationNames lists the supported activation names in sorted order.
func ActivationNames() []string {
	names := make([]string, 0, len(activations))
	for n := range activations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
