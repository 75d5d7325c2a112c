package multilinear

import (
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/mvn"
)

// The methods below belong to the message-passing contract of the wider
// framework: propagating expected log-likelihoods to and from neighbouring
// nodes. This node does not support them yet; each returns
// expfam.ErrNotImplemented.

// Update would update the model from distributions over inputs and target.
func (m *Model) Update(pX []*mvn.Gaussian, pY *mvn.Gaussian, opts ...UpdateOption) error {
	return expfam.ErrNotImplemented
}

// ElogLike would return E[log p(Y|X)] for observed inputs and target.
func (m *Model) ElogLike(X []*expfam.Tensor, Y *expfam.Tensor) (*mat.Dense, error) {
	return nil, expfam.ErrNotImplemented
}

// ElogLikeGivenPXPY would return E[log p(Y|X)] under distributions over X
// and Y.
func (m *Model) ElogLikeGivenPXPY(pX []*mvn.Gaussian, pY *mvn.Gaussian) (*mat.Dense, error) {
	return nil, expfam.ErrNotImplemented
}

// ElogLikeX would return the message to the inputs given an observed target.
func (m *Model) ElogLikeX(Y *expfam.Tensor) ([]*mvn.Gaussian, *mat.Dense, error) {
	return nil, nil, expfam.ErrNotImplemented
}

// ElogLikeXGivenPY would return the message to the inputs given a
// distribution over the target.
func (m *Model) ElogLikeXGivenPY(pY *mvn.Gaussian) ([]*mvn.Gaussian, *mat.Dense, error) {
	return nil, nil, expfam.ErrNotImplemented
}

// Forward would propagate distributions over the inputs to the target.
func (m *Model) Forward(pX []*mvn.Gaussian) (*mvn.Gaussian, *mat.Dense, error) {
	return nil, nil, expfam.ErrNotImplemented
}

// PredictGivenPX is Forward.
func (m *Model) PredictGivenPX(pX []*mvn.Gaussian) (*mvn.Gaussian, *mat.Dense, error) {
	return m.Forward(pX)
}

// Backward would propagate a distribution over the target to the inputs.
func (m *Model) Backward(pY *mvn.Gaussian) ([]*mvn.Gaussian, *mat.Dense, error) {
	return nil, nil, expfam.ErrNotImplemented
}

// EBackward would propagate the expected backward message to the inputs.
func (m *Model) EBackward(pY *mvn.Gaussian) ([]*mvn.Gaussian, *mat.Dense, error) {
	return nil, nil, expfam.ErrNotImplemented
}
