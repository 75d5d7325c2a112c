package wishart

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/n0madic/go-multilinear-vb/expfam"
)

// Diagonal is a batch of diagonal precision posteriors: each output
// dimension j carries an independent Gamma(alpha_j, beta_j) precision (rate
// parametrisation). It matches a 1×1 Wishart per dimension, so nu degrees of
// freedom and scale s map to alpha = nu/2 and beta = 1/(2s).
type Diagonal struct {
	dims expfam.Dims
	n    int

	alpha0 *mat.VecDense
	beta0  *mat.VecDense

	alpha []*mat.VecDense
	beta  []*mat.VecDense
}

// NewDiagonal creates a diagonal posterior, initialised at its prior, with
// nu0 degrees of freedom and per-dimension scale for every batch element.
func NewDiagonal(nu0 float64, scale mat.Vector, batch expfam.Shape) (*Diagonal, error) {
	n := scale.Len()
	if n <= 0 {
		return nil, fmt.Errorf("precision dimension %d: %w", n, expfam.ErrInvalidDimension)
	}
	if nu0 <= 0 {
		return nil, fmt.Errorf("degrees of freedom %v must be positive: %w", nu0, expfam.ErrInvalidDimension)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	d := &Diagonal{
		dims:   expfam.NewDims(batch, n),
		n:      n,
		alpha0: mat.NewVecDense(n, nil),
		beta0:  mat.NewVecDense(n, nil),
	}
	for j := 0; j < n; j++ {
		s := scale.AtVec(j)
		if s <= 0 {
			return nil, fmt.Errorf("scale[%d] = %v must be positive: %w", j, s, expfam.ErrInvalidDimension)
		}
		d.alpha0.SetVec(j, nu0/2)
		d.beta0.SetVec(j, 1/(2*s))
	}
	elems := d.dims.Elements()
	d.alpha = make([]*mat.VecDense, elems)
	d.beta = make([]*mat.VecDense, elems)
	for e := 0; e < elems; e++ {
		d.alpha[e] = mat.VecDenseCopyOf(d.alpha0)
		d.beta[e] = mat.VecDenseCopyOf(d.beta0)
	}
	return d, nil
}

// Dim returns n.
func (d *Diagonal) Dim() int { return d.n }

// Dims returns the batch/event partition.
func (d *Diagonal) Dims() expfam.Dims { return d.dims }

// ToEvent moves n trailing batch axes into the event shape.
func (d *Diagonal) ToEvent(n int) error { return d.dims.ToEvent(n) }

// ToBatch undoes ToEvent.
func (d *Diagonal) ToBatch(n int) error { return d.dims.ToBatch(n) }

// SSUpdate moves the posterior toward prior + statistics. diag holds the
// summed squared residual per output dimension and n the matching sample
// count per dimension.
func (d *Diagonal) SSUpdate(diag, n []*mat.VecDense, step expfam.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if len(diag) != len(d.alpha) || len(n) != len(d.alpha) {
		return fmt.Errorf("diagonal update with %d/%d statistics for %d elements: %w",
			len(diag), len(n), len(d.alpha), expfam.ErrShapeMismatch)
	}
	half := mat.NewVecDense(d.n, nil)
	for e := range d.alpha {
		if diag[e].Len() != d.n || n[e].Len() != d.n {
			return fmt.Errorf("statistic %d has length %d/%d, want %d: %w",
				e, diag[e].Len(), n[e].Len(), d.n, expfam.ErrShapeMismatch)
		}
		half.ScaleVec(0.5, n[e])
		step.BlendVec(d.alpha[e], d.alpha0, half)
		half.ScaleVec(0.5, diag[e])
		step.BlendVec(d.beta[e], d.beta0, half)
	}
	return nil
}

// UpdateScatter feeds the diagonal of full residual scatter matrices to
// SSUpdate.
func (d *Diagonal) UpdateScatter(sEyy []*mat.SymDense, n []float64, step expfam.Step) error {
	if len(sEyy) != len(d.alpha) || len(n) != len(d.alpha) {
		return fmt.Errorf("diagonal update with %d/%d statistics for %d elements: %w",
			len(sEyy), len(n), len(d.alpha), expfam.ErrShapeMismatch)
	}
	diag := make([]*mat.VecDense, len(sEyy))
	counts := make([]*mat.VecDense, len(sEyy))
	for e, s := range sEyy {
		k := s.SymmetricDim()
		diag[e] = mat.NewVecDense(k, nil)
		counts[e] = mat.NewVecDense(k, nil)
		for j := 0; j < k; j++ {
			diag[e].SetVec(j, s.At(j, j))
			counts[e].SetVec(j, n[e])
		}
	}
	return d.SSUpdate(diag, counts, step)
}

// Alpha returns the Gamma shape parameters of element e.
func (d *Diagonal) Alpha(e int) *mat.VecDense { return mat.VecDenseCopyOf(d.alpha[e]) }

// Beta returns the Gamma rate parameters of element e.
func (d *Diagonal) Beta(e int) *mat.VecDense { return mat.VecDenseCopyOf(d.beta[e]) }

// EinvSigma returns diag(alpha/beta) per plate element.
func (d *Diagonal) EinvSigma() []*mat.SymDense {
	out := make([]*mat.SymDense, len(d.alpha))
	for e := range d.alpha {
		out[e] = mat.NewSymDense(d.n, nil)
		for j := 0; j < d.n; j++ {
			out[e].SetSym(j, j, d.alpha[e].AtVec(j)/d.beta[e].AtVec(j))
		}
	}
	return out
}

// ESigma returns diag(beta/(alpha-1)) per plate element.
func (d *Diagonal) ESigma() []*mat.SymDense {
	out := make([]*mat.SymDense, len(d.alpha))
	for e := range d.alpha {
		out[e] = mat.NewSymDense(d.n, nil)
		for j := 0; j < d.n; j++ {
			out[e].SetSym(j, j, d.beta[e].AtVec(j)/(d.alpha[e].AtVec(j)-1))
		}
	}
	return out
}

// ElogdetinvSigmaElements returns Σ_j E[log λ_j] per plate element.
func (d *Diagonal) ElogdetinvSigmaElements() []float64 {
	out := make([]float64, len(d.alpha))
	for e := range d.alpha {
		for j := 0; j < d.n; j++ {
			out[e] += mathext.Digamma(d.alpha[e].AtVec(j)) - math.Log(d.beta[e].AtVec(j))
		}
	}
	return out
}

// ElogdetinvSigma returns E[log|Λ|] per batch entry.
func (d *Diagonal) ElogdetinvSigma() []float64 {
	return d.dims.SumEvent(d.ElogdetinvSigmaElements())
}

// KLqprior returns the summed Gamma KL divergences per batch entry.
func (d *Diagonal) KLqprior() []float64 {
	kl := make([]float64, len(d.alpha))
	for e := range d.alpha {
		for j := 0; j < d.n; j++ {
			kl[e] += gammaKL(d.alpha[e].AtVec(j), d.beta[e].AtVec(j), d.alpha0.AtVec(j), d.beta0.AtVec(j))
		}
	}
	return d.dims.SumEvent(kl)
}

// gammaKL is KL(Gamma(a, b) ‖ Gamma(a0, b0)) in the rate parametrisation.
func gammaKL(a, b, a0, b0 float64) float64 {
	lgA, _ := math.Lgamma(a)
	lgA0, _ := math.Lgamma(a0)
	return (a-a0)*mathext.Digamma(a) - lgA + lgA0 + a0*(math.Log(b)-math.Log(b0)) + a*(b0-b)/b
}
