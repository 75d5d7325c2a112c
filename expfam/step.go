package expfam

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Step controls how a conjugate posterior moves toward the target implied by
// new sufficient statistics.
//
//	target = prior + stat                       (Forget == false)
//	target = prior + Beta*(post-prior) + stat   (Forget == true)
//	post   = LR*target + (1-LR)*post
//
// LR = 1 without forgetting is the ordinary batch conjugate update. LR = 0
// leaves every natural parameter exactly as it was.
type Step struct {
	LR     float64
	Beta   float64
	Forget bool
}

// FullStep is the plain conjugate update.
var FullStep = Step{LR: 1}

// Validate checks that LR and Beta lie in [0, 1].
func (s Step) Validate() error {
	if s.LR < 0 || s.LR > 1 {
		return fmt.Errorf("lr %v not in [0,1]: %w", s.LR, ErrInvalidStep)
	}
	if s.Forget && (s.Beta < 0 || s.Beta > 1) {
		return fmt.Errorf("beta %v not in [0,1]: %w", s.Beta, ErrInvalidStep)
	}
	return nil
}

// Blend applies the step to a scalar natural parameter.
func (s Step) Blend(post, prior, stat float64) float64 {
	target := prior + stat
	if s.Forget {
		target += s.Beta * (post - prior)
	}
	return s.LR*target + (1-s.LR)*post
}

// BlendSym applies the step elementwise to a symmetric natural parameter,
// writing the result into post.
func (s Step) BlendSym(post *mat.SymDense, prior, stat mat.Symmetric) {
	n := post.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			post.SetSym(i, j, s.Blend(post.At(i, j), prior.At(i, j), stat.At(i, j)))
		}
	}
}

// BlendVec applies the step elementwise to a vector natural parameter,
// writing the result into post.
func (s Step) BlendVec(post *mat.VecDense, prior, stat mat.Vector) {
	for i := 0; i < post.Len(); i++ {
		post.SetVec(i, s.Blend(post.AtVec(i), prior.AtVec(i), stat.AtVec(i)))
	}
}
