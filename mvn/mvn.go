// Package mvn implements the information-form multivariate Gaussian returned
// by predictive operations.
package mvn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
)

// Gaussian is a batch of Gaussians over n-vectors parameterised by precision
// Λ and precision-weighted mean Λμ. Every plate element has one precision
// shared by its samples and one Λμ column per sample.
type Gaussian struct {
	sample     expfam.Shape
	plate      expfam.Shape
	n          int
	invSigma   []*mat.SymDense
	invSigmaMu []*mat.Dense
}

// NewInfo builds a Gaussian from per-element precisions and n×N
// precision-weighted means.
func NewInfo(sample, plate expfam.Shape, invSigma []*mat.SymDense, invSigmaMu []*mat.Dense) (*Gaussian, error) {
	elems := plate.Size()
	if len(invSigma) != elems || len(invSigmaMu) != elems {
		return nil, fmt.Errorf("%d/%d parameters for plate %v: %w", len(invSigma), len(invSigmaMu), plate, expfam.ErrShapeMismatch)
	}
	n := invSigma[0].SymmetricDim()
	cols := sample.Size()
	for e := range invSigma {
		if invSigma[e].SymmetricDim() != n {
			return nil, fmt.Errorf("precision %d has dimension %d, want %d: %w", e, invSigma[e].SymmetricDim(), n, expfam.ErrShapeMismatch)
		}
		if r, c := invSigmaMu[e].Dims(); r != n || c != cols {
			return nil, fmt.Errorf("invSigmaMu %d is %dx%d, want %dx%d: %w", e, r, c, n, cols, expfam.ErrShapeMismatch)
		}
	}
	return &Gaussian{
		sample:     sample.Clone(),
		plate:      plate.Clone(),
		n:          n,
		invSigma:   invSigma,
		invSigmaMu: invSigmaMu,
	}, nil
}

// Dim returns the event dimension n.
func (g *Gaussian) Dim() int { return g.n }

// SampleShape returns the sample axes.
func (g *Gaussian) SampleShape() expfam.Shape { return g.sample.Clone() }

// PlateShape returns the plate axes.
func (g *Gaussian) PlateShape() expfam.Shape { return g.plate.Clone() }

// EinvSigma returns the precision of every plate element.
func (g *Gaussian) EinvSigma() []*mat.SymDense { return g.invSigma }

// EinvSigmamu returns the n×N precision-weighted means.
func (g *Gaussian) EinvSigmamu() []*mat.Dense { return g.invSigmaMu }

// ESigma returns the covariance of every plate element.
func (g *Gaussian) ESigma() ([]*mat.SymDense, error) {
	out := make([]*mat.SymDense, len(g.invSigma))
	for e, p := range g.invSigma {
		s, _, err := linalg.Inverse(p)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", e, err)
		}
		out[e] = s
	}
	return out, nil
}

// Mean returns μ as an n×N matrix per plate element.
func (g *Gaussian) Mean() ([]*mat.Dense, error) {
	out := make([]*mat.Dense, len(g.invSigma))
	for e, p := range g.invSigma {
		chol, err := linalg.Cholesky(p)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", e, err)
		}
		var mu mat.Dense
		if err := chol.SolveTo(&mu, g.invSigmaMu[e]); err != nil {
			return nil, fmt.Errorf("element %d: %w", e, err)
		}
		out[e] = &mu
	}
	return out, nil
}

// LogProb evaluates log N(y) for every sample, returning an elements×N
// matrix.
func (g *Gaussian) LogProb(y *expfam.Tensor) (*mat.Dense, error) {
	if err := y.Check(g.plate, g.n); err != nil {
		return nil, err
	}
	if y.Samples() != g.sample.Size() {
		return nil, fmt.Errorf("%d samples, want %d: %w", y.Samples(), g.sample.Size(), expfam.ErrShapeMismatch)
	}
	means, err := g.Mean()
	if err != nil {
		return nil, err
	}
	cols := g.sample.Size()
	out := mat.NewDense(len(g.invSigma), cols, nil)
	diff := mat.NewVecDense(g.n, nil)
	for e, p := range g.invSigma {
		logdet, err := linalg.LogDet(p)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", e, err)
		}
		norm := 0.5*logdet - 0.5*float64(g.n)*math.Log(2*math.Pi)
		ye := y.Element(e)
		for s := 0; s < cols; s++ {
			diff.SubVec(ye.ColView(s), means[e].ColView(s))
			out.Set(e, s, norm-0.5*mat.Inner(diff, p, diff))
		}
	}
	return out, nil
}
