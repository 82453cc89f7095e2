package nn

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// SpectralNorm returns w scaled by the inverse of its largest singular value.
func SpectralNorm(w *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(w, mat.SVDNone) {
		return nil, errors.New("spectral norm: SVD did not converge")
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return mat.DenseCopyOf(w), nil
	}

	var out mat.Dense
	out.Scale(1/values[0], w)
	return &out, nil
}
