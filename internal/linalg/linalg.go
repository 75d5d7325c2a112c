// Package linalg collects the symmetric positive-definite helpers used by the
// conjugate posteriors.
package linalg

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when a precision matrix cannot be
// factorised even after jitter.
var ErrNotPositiveDefinite = errors.New("linalg: matrix is not positive definite")

// Sym copies the lower triangle of a square matrix into a SymDense.
func Sym(d mat.Matrix) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, d.At(i, j))
		}
	}
	return sym
}

// Symmetrize returns (d + dᵀ)/2.
func Symmetrize(d mat.Matrix) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	return sym
}

// Identity returns the n×n identity.
func Identity(n int) *mat.SymDense {
	id := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		id.SetSym(i, i, 1)
	}
	return id
}

// Cholesky factorises a, retrying once with an adaptive diagonal jitter.
func Cholesky(a mat.Symmetric) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(a); ok {
		return &chol, nil
	}

	// Adaptive jitter
	n := a.SymmetricDim()
	jittered := mat.NewSymDense(n, nil)
	jittered.CopySym(a)
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += jittered.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	if eps <= 0 {
		eps = 1e-8
	}
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if ok := chol.Factorize(jittered); ok {
		return &chol, nil
	}
	return nil, fmt.Errorf("cholesky factorization failed even with jitter: %w", ErrNotPositiveDefinite)
}

// Inverse returns a⁻¹ together with log|a|.
func Inverse(a mat.Symmetric) (*mat.SymDense, float64, error) {
	chol, err := Cholesky(a)
	if err != nil {
		return nil, 0, err
	}
	inv := mat.NewSymDense(a.SymmetricDim(), nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, 0, fmt.Errorf("inverse: %w", err)
	}
	return inv, chol.LogDet(), nil
}

// LogDet returns log|a|.
func LogDet(a mat.Symmetric) (float64, error) {
	chol, err := Cholesky(a)
	if err != nil {
		return 0, err
	}
	return chol.LogDet(), nil
}

// TraceProd returns tr(a·b) without forming the product.
func TraceProd(a, b mat.Matrix) float64 {
	r, c := a.Dims()
	tr := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			tr += a.At(i, j) * b.At(j, i)
		}
	}
	return tr
}

// Congruence returns x·a·xᵀ as a symmetric matrix.
func Congruence(x mat.Matrix, a mat.Symmetric) *mat.SymDense {
	var xa mat.Dense
	xa.Mul(x, a)
	var full mat.Dense
	full.Mul(&xa, x.T())
	return Symmetrize(&full)
}

// OuterSamples returns a·bᵀ, the sum over columns of the outer products of
// matching samples.
func OuterSamples(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b.T())
	return &out
}
