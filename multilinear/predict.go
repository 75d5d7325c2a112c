package multilinear

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
	"github.com/n0madic/go-multilinear-vb/mvn"
)

// KLqprior returns KL(q‖prior) per batch entry. Each factor's KL already
// carries one copy of the shared precision's KL, so k-1 copies are removed.
func (m *Model) KLqprior() []float64 {
	noise := m.InvU.KLqprior()
	kl := make([]float64, len(noise))
	for _, a := range m.A {
		for b, v := range a.KLqprior() {
			kl[b] += v
		}
	}
	shared := float64(len(m.A) - 1)
	for b := range kl {
		kl[b] -= shared * noise[b]
	}
	return kl
}

// Predict returns the posterior predictive over Y for inputs X, as an
// information-form Gaussian, together with the residual log-normaliser per
// batch entry and sample (batches×N).
//
// The precision is the shared E[Λ] (the factors' noise terms are one and the
// same, so they are not summed). Per-factor residuals are summed and k-1
// copies of the shared normaliser ½(E[log|Λ|] - log|E[Λ]|) are removed, so
// that log N(y) + Res = E_q[log p(y|x)].
func (m *Model) Predict(X []*expfam.Tensor) (*mvn.Gaussian, *mat.Dense, error) {
	X, err := m.inputs(X)
	if err != nil {
		return nil, nil, err
	}
	elems := m.dims.Elements()
	cols := X[0].Samples()

	invSigmaMu := make([]*mat.Dense, elems)
	for e := range invSigmaMu {
		invSigmaMu[e] = mat.NewDense(m.n, cols, nil)
	}
	res := mat.NewDense(m.dims.Batches(), cols, nil)
	for i, a := range m.A {
		pred, r, err := a.Predict(X[i])
		if err != nil {
			return nil, nil, fmt.Errorf("factor %d: %w", i, err)
		}
		for e, h := range pred.EinvSigmamu() {
			invSigmaMu[e].Add(invSigmaMu[e], h)
		}
		res.Add(res, r)
	}

	einv := m.EinvSigma()
	elogdet := m.InvU.ElogdetinvSigmaElements()
	shared := float64(len(m.A) - 1)
	reps := m.dims.Replicates()
	for e := range einv {
		logdetP, err := linalg.LogDet(einv[e])
		if err != nil {
			return nil, nil, fmt.Errorf("element %d: %w", e, err)
		}
		corr := shared * 0.5 * (elogdet[e] - logdetP)
		b := e / reps
		for s := 0; s < cols; s++ {
			res.Set(b, s, res.At(b, s)-corr)
		}
	}

	var pb mat.VecDense
	for e := range invSigmaMu {
		pb.MulVec(einv[e], m.bias[e])
		h := invSigmaMu[e]
		for s := 0; s < cols; s++ {
			col := h.ColView(s).(*mat.VecDense)
			col.AddVec(col, &pb)
		}
	}

	pred, err := mvn.NewInfo(X[0].SampleShape(), m.dims.Plate(), einv, invSigmaMu)
	if err != nil {
		return nil, nil, err
	}
	return pred, res, nil
}
