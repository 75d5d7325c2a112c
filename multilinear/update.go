package multilinear

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
	"github.com/n0madic/go-multilinear-vb/internal/logutil"
	"github.com/n0madic/go-multilinear-vb/wishart"
)

type updateConfig struct {
	iters int
	step  expfam.Step
}

// UpdateOption configures a single RawUpdate call.
type UpdateOption func(*updateConfig)

// WithIters sets the number of coordinate-ascent sweeps (default 1).
func WithIters(iters int) UpdateOption {
	return func(c *updateConfig) {
		c.iters = iters
	}
}

// WithLR sets the step size in [0, 1] (default 1, a full update).
func WithLR(lr float64) UpdateOption {
	return func(c *updateConfig) {
		c.step.LR = lr
	}
}

// WithBeta discounts previously accumulated statistics by beta in [0, 1]
// instead of replacing them, for streaming and minibatch use.
func WithBeta(beta float64) UpdateOption {
	return func(c *updateConfig) {
		c.step.Beta = beta
		c.step.Forget = true
	}
}

// inputs validates the input list and appends the intercept input.
func (m *Model) inputs(X []*expfam.Tensor) ([]*expfam.Tensor, error) {
	want := len(m.pList)
	if m.padX {
		want--
	}
	if len(X) != want {
		return nil, fmt.Errorf("got %d inputs, want %d: %w", len(X), want, expfam.ErrShapeMismatch)
	}
	plate := m.dims.Plate()
	for i, x := range X {
		if err := x.Check(plate, m.pList[i]); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		if x.Samples() != X[0].Samples() {
			return nil, fmt.Errorf("input %d has %d samples, input 0 has %d: %w", i, x.Samples(), X[0].Samples(), expfam.ErrShapeMismatch)
		}
	}
	if !m.padX {
		return X, nil
	}
	ones, err := expfam.Ones(X[0].SampleShape(), plate, 1)
	if err != nil {
		return nil, err
	}
	return append(X[:len(X):len(X)], ones), nil
}

// contribution adds sign·M_i·x to r, element by element.
func (m *Model) contribution(r *expfam.Tensor, i int, x *expfam.Tensor, sign float64) {
	var ax mat.Dense
	for e := 0; e < r.Elements(); e++ {
		ax.Reset()
		ax.Mul(m.A[i].MeanElement(e), x.Element(e))
		re := r.Element(e)
		if sign > 0 {
			re.Add(re, &ax)
		} else {
			re.Sub(re, &ax)
		}
	}
}

// RawUpdate runs the block-coordinate conjugate update on inputs X (one
// tensor per explicit input) and targets Y.
//
// Each sweep visits the factors in a random order. Factor i is updated
// against the leave-one-out residual, the part of the centred target left
// unexplained by every other factor's current mean. Afterwards the shared
// precision is updated from the total residual scatter plus each factor's
// prior mismatch, and the bias moves toward the empirical offset.
//
// A failed update can leave the model partially updated.
func (m *Model) RawUpdate(X []*expfam.Tensor, Y *expfam.Tensor, opts ...UpdateOption) error {
	cfg := updateConfig{iters: 1, step: expfam.FullStep}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.iters < 1 {
		return fmt.Errorf("iters must be positive, got %d: %w", cfg.iters, expfam.ErrInvalidStep)
	}
	if err := cfg.step.Validate(); err != nil {
		return err
	}
	if err := Y.Check(m.dims.Plate(), m.n); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	X, err := m.inputs(X)
	if err != nil {
		return err
	}
	if X[0].Samples() != Y.Samples() {
		return fmt.Errorf("inputs have %d samples, target %d: %w", X[0].Samples(), Y.Samples(), expfam.ErrShapeMismatch)
	}

	k := len(m.A)
	elems := m.dims.Elements()
	nSamples := float64(Y.Samples())

	muY := Y.RowMeans()
	muX := make([][]*mat.VecDense, k)
	xc := make([]*expfam.Tensor, k)
	for i := range m.A {
		muX[i] = X[i].RowMeans()
		xc[i] = X[i].Centered(muX[i])
	}

	for it := 0; it < cfg.iters; it++ {
		order := m.rng.Perm(k)
		res := Y.Centered(muY)
		for _, i := range order {
			m.contribution(res, i, xc[i], -1)
		}
		for _, i := range order {
			m.contribution(res, i, xc[i], +1)
			if err := m.A[i].RawUpdate(xc[i], res, cfg.step); err != nil {
				return fmt.Errorf("factor %d: %w", i, err)
			}
			m.contribution(res, i, xc[i], -1)
			logutil.Trace(m.logger, "factor updated", "iter", it, "factor", i)
		}
		if m.logger.Enabled(context.Background(), slog.LevelDebug) {
			m.logger.Debug("multilinear sweep", "iter", it, "order", order, "residual", residualNorm(res))
		}
	}

	// Noise statistics: prior mismatch plus the scatter of the total residual.
	mismatch := make([][]*mat.SymDense, k)
	for i, a := range m.A {
		mismatch[i] = a.PriorMismatch()
	}
	sEyy := make([]*mat.SymDense, elems)
	bias := make([]*mat.VecDense, elems)
	for e := 0; e < elems; e++ {
		bias[e] = mat.VecDenseCopyOf(muY[e])
		total := mat.DenseCopyOf(Y.Element(e))
		scatter := mat.NewDense(m.n, m.n, nil)
		var ax mat.Dense
		var am mat.VecDense
		for i, a := range m.A {
			mu := a.MeanElement(e)
			ax.Reset()
			ax.Mul(mu, X[i].Element(e))
			total.Sub(total, &ax)
			am.MulVec(mu, muX[i][e])
			bias[e].SubVec(bias[e], &am)
		}
		for i := range m.A {
			scatter.Add(scatter, mismatch[i][e])
		}
		total.Apply(func(r, _ int, v float64) float64 {
			return v - bias[e].AtVec(r)
		}, total)
		scatter.Add(scatter, linalg.OuterSamples(total, total))
		sEyy[e] = linalg.Symmetrize(scatter)
	}

	if err := m.updateNoise(sEyy, nSamples, cfg.step); err != nil {
		return fmt.Errorf("noise precision: %w", err)
	}

	lr := cfg.step.LR
	for e, b := range m.bias {
		for j := 0; j < m.n; j++ {
			b.SetVec(j, lr*bias[e].AtVec(j)+(1-lr)*b.AtVec(j))
		}
	}

	m.nUpdates++
	m.logger.Debug("multilinear update",
		"samples", Y.Samples(), "factors", k, "iters", cfg.iters, "lr", lr, "updates", m.nUpdates)
	return nil
}

// updateNoise feeds the shared precision the statistic its family expects:
// the full scatter for a Wishart, its diagonal and a per-dimension count for
// the diagonal family.
func (m *Model) updateNoise(sEyy []*mat.SymDense, nSamples float64, step expfam.Step) error {
	counts := make([]float64, len(sEyy))
	for e := range counts {
		counts[e] = nSamples
	}
	switch p := m.InvU.(type) {
	case *wishart.Wishart:
		return p.SSUpdate(sEyy, counts, step)
	case *wishart.Diagonal:
		diag := make([]*mat.VecDense, len(sEyy))
		n := make([]*mat.VecDense, len(sEyy))
		for e, s := range sEyy {
			diag[e] = mat.NewVecDense(m.n, nil)
			n[e] = mat.NewVecDense(m.n, nil)
			for j := 0; j < m.n; j++ {
				diag[e].SetVec(j, s.At(j, j))
				n[e].SetVec(j, counts[e])
			}
		}
		return p.SSUpdate(diag, n, step)
	default:
		return p.UpdateScatter(sEyy, counts, step)
	}
}

func residualNorm(r *expfam.Tensor) float64 {
	s := 0.0
	for e := 0; e < r.Elements(); e++ {
		s += mat.Norm(r.Element(e), 2)
	}
	return s
}
