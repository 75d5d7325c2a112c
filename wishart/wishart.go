// Package wishart implements the conjugate posteriors over an output noise
// precision: a full Wishart over an n×n precision matrix, and a diagonal
// variant that keeps one independent Gamma precision per output dimension.
package wishart

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
)

// Wishart is a batch of Wishart posteriors over n×n precision matrices.
//
// The natural parameters are the degrees of freedom nu and the inverse scale
// invU, so that E[Λ] = nu·U with U = invU⁻¹.
type Wishart struct {
	dims expfam.Dims
	n    int

	nu0         float64
	invU0       *mat.SymDense
	logdetInvU0 float64

	nu      []float64
	invU    []*mat.SymDense
	u       []*mat.SymDense // cached invU⁻¹
	logdetU []float64
}

// New creates a Wishart posterior, initialised at its prior, with nu0
// degrees of freedom and scale matrix scale for every batch element.
func New(nu0 float64, scale mat.Symmetric, batch expfam.Shape) (*Wishart, error) {
	n := scale.SymmetricDim()
	if n <= 0 {
		return nil, fmt.Errorf("precision dimension %d: %w", n, expfam.ErrInvalidDimension)
	}
	if nu0 <= float64(n-1) {
		return nil, fmt.Errorf("degrees of freedom %v must exceed %d: %w", nu0, n-1, expfam.ErrInvalidDimension)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	invU0, logdetScale, err := linalg.Inverse(scale)
	if err != nil {
		return nil, fmt.Errorf("prior scale: %w", err)
	}
	w := &Wishart{
		dims:        expfam.NewDims(batch, n, n),
		n:           n,
		nu0:         nu0,
		invU0:       invU0,
		logdetInvU0: -logdetScale,
	}
	elems := w.dims.Elements()
	w.nu = make([]float64, elems)
	w.invU = make([]*mat.SymDense, elems)
	w.u = make([]*mat.SymDense, elems)
	w.logdetU = make([]float64, elems)
	for e := 0; e < elems; e++ {
		w.nu[e] = nu0
		w.invU[e] = mat.NewSymDense(n, nil)
		w.invU[e].CopySym(invU0)
		if err := w.refresh(e); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Wishart) refresh(e int) error {
	u, logdetInvU, err := linalg.Inverse(w.invU[e])
	if err != nil {
		return fmt.Errorf("wishart element %d: %w", e, err)
	}
	w.u[e] = u
	w.logdetU[e] = -logdetInvU
	return nil
}

// Dim returns n.
func (w *Wishart) Dim() int { return w.n }

// Dims returns the batch/event partition.
func (w *Wishart) Dims() expfam.Dims { return w.dims }

// ToEvent moves n trailing batch axes into the event shape.
func (w *Wishart) ToEvent(n int) error { return w.dims.ToEvent(n) }

// ToBatch undoes ToEvent.
func (w *Wishart) ToBatch(n int) error { return w.dims.ToBatch(n) }

// Nu returns the posterior degrees of freedom of every element.
func (w *Wishart) Nu() []float64 { return append([]float64(nil), w.nu...) }

// SSUpdate moves the posterior toward prior + (SEyy, N). sEyy is the summed
// outer product of residuals and n the matching sample count, one per plate
// element.
func (w *Wishart) SSUpdate(sEyy []*mat.SymDense, n []float64, step expfam.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	if len(sEyy) != len(w.invU) || len(n) != len(w.invU) {
		return fmt.Errorf("wishart update with %d/%d statistics for %d elements: %w",
			len(sEyy), len(n), len(w.invU), expfam.ErrShapeMismatch)
	}
	for e := range w.invU {
		if d := sEyy[e].SymmetricDim(); d != w.n {
			return fmt.Errorf("statistic %d is %dx%d, want %dx%d: %w", e, d, d, w.n, w.n, expfam.ErrShapeMismatch)
		}
		w.nu[e] = step.Blend(w.nu[e], w.nu0, n[e])
		step.BlendSym(w.invU[e], w.invU0, sEyy[e])
		if err := w.refresh(e); err != nil {
			return err
		}
	}
	return nil
}

// UpdateScatter is SSUpdate under the name shared with the diagonal family.
func (w *Wishart) UpdateScatter(sEyy []*mat.SymDense, n []float64, step expfam.Step) error {
	return w.SSUpdate(sEyy, n, step)
}

// EinvSigma returns E[Λ] = nu·U per plate element.
func (w *Wishart) EinvSigma() []*mat.SymDense {
	out := make([]*mat.SymDense, len(w.u))
	for e, u := range w.u {
		out[e] = mat.NewSymDense(w.n, nil)
		out[e].ScaleSym(w.nu[e], u)
	}
	return out
}

// ESigma returns E[Λ⁻¹] = invU/(nu-n-1) per plate element. It is only finite
// once nu > n+1.
func (w *Wishart) ESigma() []*mat.SymDense {
	out := make([]*mat.SymDense, len(w.invU))
	for e, invU := range w.invU {
		out[e] = mat.NewSymDense(w.n, nil)
		out[e].ScaleSym(1/(w.nu[e]-float64(w.n)-1), invU)
	}
	return out
}

// ElogdetinvSigmaElements returns E[log|Λ|] per plate element.
func (w *Wishart) ElogdetinvSigmaElements() []float64 {
	out := make([]float64, len(w.nu))
	for e, nu := range w.nu {
		out[e] = mvDigamma(nu/2, w.n) + float64(w.n)*math.Ln2 + w.logdetU[e]
	}
	return out
}

// ElogdetinvSigma returns E[log|Λ|] per batch entry, summed over event
// replicates.
func (w *Wishart) ElogdetinvSigma() []float64 {
	return w.dims.SumEvent(w.ElogdetinvSigmaElements())
}

// KLqprior returns KL(q‖prior) per batch entry.
func (w *Wishart) KLqprior() []float64 {
	kl := make([]float64, len(w.nu))
	n := float64(w.n)
	for e, nu := range w.nu {
		logdetRatio := w.logdetInvU0 + w.logdetU[e] // log|U0⁻¹U|
		tr := linalg.TraceProd(w.invU0, w.u[e])
		kl[e] = -0.5*w.nu0*logdetRatio +
			0.5*nu*(tr-n) +
			mathext.MvLgamma(w.nu0/2, w.n) - mathext.MvLgamma(nu/2, w.n) +
			0.5*(nu-w.nu0)*mvDigamma(nu/2, w.n)
	}
	return w.dims.SumEvent(kl)
}

// mvDigamma is the multivariate digamma function ψ_d(a).
func mvDigamma(a float64, d int) float64 {
	s := 0.0
	for i := 0; i < d; i++ {
		s += mathext.Digamma(a - 0.5*float64(i))
	}
	return s
}
