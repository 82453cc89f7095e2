// Package state holds persisted parameter sets and the migration that makes
// an older checkpoint loadable by the current architecture.
package state

import (
	"sort"
	"strings"

	"github.com/23skdu/longbow-smlp/internal/tensor"
)

// Dict maps dotted parameter paths to tensors.
type Dict map[string]*tensor.Tensor

// Clone copies the mapping. Tensors are shared.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithPrefix returns the entries under prefix with the prefix removed.
func (d Dict) WithPrefix(prefix string) Dict {
	out := make(Dict)
	for k, v := range d {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// NumParams counts scalar parameters across all tensors.
func (d Dict) NumParams() int64 {
	var n int64
	for _, t := range d {
		n += int64(t.Len())
	}
	return n
}

// HeadShape is the identity of a classification head as seen in a checkpoint.
type HeadShape struct {
	NumClasses int
	InnerDim   int
}
