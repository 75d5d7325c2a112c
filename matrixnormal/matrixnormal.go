// Package matrixnormal implements the conjugate posterior over a linear map
// A in Y = A·X + noise, conditioned on an output noise precision that can be
// shared with other posteriors.
package matrixnormal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
	"github.com/n0madic/go-multilinear-vb/mvn"
	"github.com/n0madic/go-multilinear-vb/wishart"
)

// Precision is a posterior over the output noise precision Λ.
// *wishart.Wishart and *wishart.Diagonal implement it.
type Precision interface {
	Dim() int
	Dims() expfam.Dims
	EinvSigma() []*mat.SymDense
	ESigma() []*mat.SymDense
	ElogdetinvSigma() []float64
	ElogdetinvSigmaElements() []float64
	KLqprior() []float64
	UpdateScatter(sEyy []*mat.SymDense, n []float64, step expfam.Step) error
	ToEvent(n int) error
	ToBatch(n int) error
}

// MatrixNormal is a batch of posteriors over n×p matrices.
//
// Each output row r keeps its own natural parameters (eta1 = V⁻¹, eta2 =
// V⁻¹·a_r) so that rows can use different subsets of the inputs. A
// coefficient that is masked out carries unit precision and zero natural
// mean, which pins its posterior mean at exactly 0.
type MatrixNormal struct {
	dims expfam.Dims
	n, p int

	invV0       *mat.SymDense
	mu0         []*mat.Dense // masked prior means, per element
	active      [][]bool
	eta10       []*mat.SymDense // per row
	logdetEta10 []float64
	eta20       [][]*mat.VecDense // [element][row]

	eta1       [][]*mat.SymDense
	eta2       [][]*mat.VecDense
	v          [][]*mat.SymDense
	logdetEta1 [][]float64
	mu         []*mat.Dense

	// InvU is the noise precision this posterior is conditioned on. Several
	// posteriors may hold the same value; whoever created it owns its dims.
	InvU Precision

	// FixedPrecision disables updates of InvU from this posterior's own
	// residuals.
	FixedPrecision bool

	ownsPrecision bool
}

type config struct {
	batch          expfam.Shape
	mu0            *mat.Dense
	invV0          *mat.SymDense
	mask           [][]bool
	xMask          []bool
	fixedPrecision bool
	precision      Precision
	diagonal       bool
}

// Option configures a MatrixNormal.
type Option func(*config)

// WithBatchShape sets the batch shape. Ignored when WithPrecision supplies a
// precision, whose plate is used instead.
func WithBatchShape(shape ...int) Option {
	return func(c *config) {
		c.batch = expfam.Shape(shape).Clone()
	}
}

// WithPriorMean sets the n×p prior mean shared by every batch element
// (default zero).
func WithPriorMean(mu0 *mat.Dense) Option {
	return func(c *config) {
		c.mu0 = mu0
	}
}

// WithPriorPrecision sets the p×p prior column precision (default identity).
func WithPriorPrecision(invV0 *mat.SymDense) Option {
	return func(c *config) {
		c.invV0 = invV0
	}
}

// WithMask restricts which coefficients exist: mask[r][j] false forces
// A[r,j] = 0. A nil mask keeps every coefficient.
func WithMask(mask [][]bool) Option {
	return func(c *config) {
		c.mask = mask
	}
}

// WithXMask restricts which inputs are used at all: xMask[j] false forces
// column j of A to 0. A nil mask keeps every input.
func WithXMask(xMask []bool) Option {
	return func(c *config) {
		c.xMask = xMask
	}
}

// WithFixedPrecision stops RawUpdate from updating the noise precision.
func WithFixedPrecision(fixed bool) Option {
	return func(c *config) {
		c.fixedPrecision = fixed
	}
}

// WithPrecision conditions the posterior on an existing precision instead of
// creating one. The precision is shared, not copied.
func WithPrecision(p Precision) Option {
	return func(c *config) {
		c.precision = p
	}
}

// NewWishart returns a matrix normal posterior with full-covariance noise.
func NewWishart(n, p int, options ...Option) (*MatrixNormal, error) {
	return newMatrixNormal(n, p, false, options)
}

// NewGamma returns a matrix normal posterior with diagonal noise.
func NewGamma(n, p int, options ...Option) (*MatrixNormal, error) {
	return newMatrixNormal(n, p, true, options)
}

func newMatrixNormal(n, p int, diagonal bool, options []Option) (*MatrixNormal, error) {
	if n <= 0 || p <= 0 {
		return nil, fmt.Errorf("matrix normal dimensions %dx%d: %w", n, p, expfam.ErrInvalidDimension)
	}
	cfg := config{diagonal: diagonal}
	for _, opt := range options {
		opt(&cfg)
	}

	m := &MatrixNormal{
		n:              n,
		p:              p,
		FixedPrecision: cfg.fixedPrecision,
	}

	if cfg.precision != nil {
		if cfg.precision.Dim() != n {
			return nil, fmt.Errorf("precision dimension %d, want %d: %w", cfg.precision.Dim(), n, expfam.ErrShapeMismatch)
		}
		m.dims = matchDims(cfg.precision.Dims(), n, p)
		m.InvU = cfg.precision
	} else {
		if err := cfg.batch.Validate(); err != nil {
			return nil, err
		}
		m.dims = expfam.NewDims(cfg.batch, n, p)
		var err error
		if diagonal {
			scale := mat.NewVecDense(n, nil)
			for j := 0; j < n; j++ {
				scale.SetVec(j, 1)
			}
			m.InvU, err = wishart.NewDiagonal(float64(n+2), scale, cfg.batch)
		} else {
			m.InvU, err = wishart.New(float64(n+2), linalg.Identity(n), cfg.batch)
		}
		if err != nil {
			return nil, err
		}
		m.ownsPrecision = true
	}

	m.invV0 = linalg.Identity(p)
	if cfg.invV0 != nil {
		if cfg.invV0.SymmetricDim() != p {
			return nil, fmt.Errorf("prior precision is %dx%d, want %dx%d: %w",
				cfg.invV0.SymmetricDim(), cfg.invV0.SymmetricDim(), p, p, expfam.ErrShapeMismatch)
		}
		m.invV0 = mat.NewSymDense(p, nil)
		m.invV0.CopySym(cfg.invV0)
	}

	if err := m.buildMask(cfg.mask, cfg.xMask); err != nil {
		return nil, err
	}
	if err := m.buildPrior(cfg.mu0); err != nil {
		return nil, err
	}
	return m, nil
}

// matchDims mirrors the batch/event partition of a precision onto an n×p
// event.
func matchDims(pd expfam.Dims, n, p int) expfam.Dims {
	d := expfam.NewDims(pd.BatchShape().Concat(pd.Prefix()), n, p)
	// Partition cannot fail: the prefix came from the same plate.
	_ = d.ToEvent(len(pd.Prefix()))
	return d
}

func (m *MatrixNormal) buildMask(mask [][]bool, xMask []bool) error {
	if mask != nil && len(mask) != m.n {
		return fmt.Errorf("mask has %d rows, want %d: %w", len(mask), m.n, expfam.ErrShapeMismatch)
	}
	if xMask != nil && len(xMask) != m.p {
		return fmt.Errorf("input mask has length %d, want %d: %w", len(xMask), m.p, expfam.ErrShapeMismatch)
	}
	m.active = make([][]bool, m.n)
	for r := 0; r < m.n; r++ {
		if mask != nil && len(mask[r]) != m.p {
			return fmt.Errorf("mask row %d has length %d, want %d: %w", r, len(mask[r]), m.p, expfam.ErrShapeMismatch)
		}
		m.active[r] = make([]bool, m.p)
		for j := 0; j < m.p; j++ {
			m.active[r][j] = (mask == nil || mask[r][j]) && (xMask == nil || xMask[j])
		}
	}

	m.eta10 = make([]*mat.SymDense, m.n)
	m.logdetEta10 = make([]float64, m.n)
	for r := 0; r < m.n; r++ {
		m.eta10[r] = m.maskSym(r, m.invV0, true)
		logdet, err := linalg.LogDet(m.eta10[r])
		if err != nil {
			return fmt.Errorf("prior precision row %d: %w", r, err)
		}
		m.logdetEta10[r] = logdet
	}
	return nil
}

// maskSym keeps the active block of a for row r. With unit set, inactive
// diagonal entries become 1.
func (m *MatrixNormal) maskSym(r int, a mat.Symmetric, unit bool) *mat.SymDense {
	out := mat.NewSymDense(m.p, nil)
	act := m.active[r]
	for i := 0; i < m.p; i++ {
		for j := i; j < m.p; j++ {
			switch {
			case act[i] && act[j]:
				out.SetSym(i, j, a.At(i, j))
			case i == j && unit:
				out.SetSym(i, i, 1)
			}
		}
	}
	return out
}

func (m *MatrixNormal) buildPrior(mu0 *mat.Dense) error {
	if mu0 != nil {
		if r, c := mu0.Dims(); r != m.n || c != m.p {
			return fmt.Errorf("prior mean is %dx%d, want %dx%d: %w", r, c, m.n, m.p, expfam.ErrShapeMismatch)
		}
	}
	elems := m.dims.Elements()
	m.mu0 = make([]*mat.Dense, elems)
	m.eta20 = make([][]*mat.VecDense, elems)
	m.eta1 = make([][]*mat.SymDense, elems)
	m.eta2 = make([][]*mat.VecDense, elems)
	m.v = make([][]*mat.SymDense, elems)
	m.logdetEta1 = make([][]float64, elems)
	m.mu = make([]*mat.Dense, elems)

	for e := 0; e < elems; e++ {
		m.mu0[e] = mat.NewDense(m.n, m.p, nil)
		if mu0 != nil {
			m.mu0[e].Apply(func(r, j int, v float64) float64 {
				if m.active[r][j] {
					return v
				}
				return 0
			}, mu0)
		}
		m.eta20[e] = make([]*mat.VecDense, m.n)
		m.eta1[e] = make([]*mat.SymDense, m.n)
		m.eta2[e] = make([]*mat.VecDense, m.n)
		m.v[e] = make([]*mat.SymDense, m.n)
		m.logdetEta1[e] = make([]float64, m.n)
		m.mu[e] = mat.NewDense(m.n, m.p, nil)
		for r := 0; r < m.n; r++ {
			eta2 := mat.NewVecDense(m.p, nil)
			eta2.MulVec(m.eta10[r], m.mu0[e].RowView(r))
			m.eta20[e][r] = eta2
			m.eta1[e][r] = mat.NewSymDense(m.p, nil)
			m.eta1[e][r].CopySym(m.eta10[r])
			m.eta2[e][r] = mat.VecDenseCopyOf(eta2)
		}
		if err := m.refresh(e); err != nil {
			return err
		}
	}
	return nil
}

// refresh recomputes V and the posterior mean of element e from its natural
// parameters.
func (m *MatrixNormal) refresh(e int) error {
	row := mat.NewVecDense(m.p, nil)
	for r := 0; r < m.n; r++ {
		v, logdet, err := linalg.Inverse(m.eta1[e][r])
		if err != nil {
			return fmt.Errorf("matrix normal element %d row %d: %w", e, r, err)
		}
		m.v[e][r] = v
		m.logdetEta1[e][r] = logdet
		row.MulVec(v, m.eta2[e][r])
		for j := 0; j < m.p; j++ {
			if m.active[r][j] {
				m.mu[e].Set(r, j, row.AtVec(j))
			} else {
				m.mu[e].Set(r, j, 0)
			}
		}
	}
	return nil
}

// Rows returns n.
func (m *MatrixNormal) Rows() int { return m.n }

// Cols returns p.
func (m *MatrixNormal) Cols() int { return m.p }

// Dims returns the batch/event partition.
func (m *MatrixNormal) Dims() expfam.Dims { return m.dims }

// ToEvent moves n trailing batch axes into the event shape. A shared
// precision is left alone; its owner moves it.
func (m *MatrixNormal) ToEvent(n int) error {
	if err := m.dims.ToEvent(n); err != nil {
		return err
	}
	if m.ownsPrecision {
		return m.InvU.ToEvent(n)
	}
	return nil
}

// ToBatch undoes ToEvent.
func (m *MatrixNormal) ToBatch(n int) error {
	if err := m.dims.ToBatch(n); err != nil {
		return err
	}
	if m.ownsPrecision {
		return m.InvU.ToBatch(n)
	}
	return nil
}

// Mean returns a copy of the posterior mean of every plate element.
func (m *MatrixNormal) Mean() []*mat.Dense {
	out := make([]*mat.Dense, len(m.mu))
	for e, mu := range m.mu {
		out[e] = mat.DenseCopyOf(mu)
	}
	return out
}

// MeanElement returns the posterior mean of plate element e without copying.
func (m *MatrixNormal) MeanElement(e int) *mat.Dense { return m.mu[e] }

// PriorMean returns the (masked) prior mean of plate element e.
func (m *MatrixNormal) PriorMean(e int) *mat.Dense { return mat.DenseCopyOf(m.mu0[e]) }

// PriorPrecision returns the p×p prior column precision.
func (m *MatrixNormal) PriorPrecision() *mat.SymDense {
	out := mat.NewSymDense(m.p, nil)
	out.CopySym(m.invV0)
	return out
}

// RowCovariance returns V for output row r of plate element e: the
// posterior covariance of that row in units of the noise variance.
func (m *MatrixNormal) RowCovariance(e, r int) *mat.SymDense {
	out := mat.NewSymDense(m.p, nil)
	out.CopySym(m.v[e][r])
	return out
}

// Active reports whether coefficient (r, j) exists.
func (m *MatrixNormal) Active(r, j int) bool { return m.active[r][j] }

// PriorMismatch returns (M-M0)·invV0·(M-M0)ᵀ per plate element: the prior's
// contribution to the noise evidence.
func (m *MatrixNormal) PriorMismatch() []*mat.SymDense {
	out := make([]*mat.SymDense, len(m.mu))
	var d mat.Dense
	for e := range m.mu {
		d.Sub(m.mu[e], m.mu0[e])
		out[e] = linalg.Congruence(&d, m.invV0)
	}
	return out
}

// RawUpdate moves the posterior toward the conjugate update implied by
// inputs X (p rows) and targets Y (n rows). Samples are columns; every plate
// element is updated with its own statistics.
func (m *MatrixNormal) RawUpdate(X, Y *expfam.Tensor, step expfam.Step) error {
	if err := step.Validate(); err != nil {
		return err
	}
	plate := m.dims.Plate()
	if err := X.Check(plate, m.p); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	if err := Y.Check(plate, m.n); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if X.Samples() != Y.Samples() {
		return fmt.Errorf("input has %d samples, target %d: %w", X.Samples(), Y.Samples(), expfam.ErrShapeMismatch)
	}

	stat2 := mat.NewVecDense(m.p, nil)
	for e := range m.mu {
		x := X.Element(e)
		sxx := linalg.Sym(linalg.OuterSamples(x, x))
		syx := linalg.OuterSamples(Y.Element(e), x)
		for r := 0; r < m.n; r++ {
			step.BlendSym(m.eta1[e][r], m.eta10[r], m.maskSym(r, sxx, false))
			for j := 0; j < m.p; j++ {
				if m.active[r][j] {
					stat2.SetVec(j, syx.At(r, j))
				} else {
					stat2.SetVec(j, 0)
				}
			}
			step.BlendVec(m.eta2[e][r], m.eta20[e][r], stat2)
		}
		if err := m.refresh(e); err != nil {
			return err
		}
	}

	if m.FixedPrecision {
		return nil
	}
	return m.updatePrecision(X, Y, step)
}

func (m *MatrixNormal) updatePrecision(X, Y *expfam.Tensor, step expfam.Step) error {
	mismatch := m.PriorMismatch()
	sEyy := make([]*mat.SymDense, len(m.mu))
	n := make([]float64, len(m.mu))
	for e := range m.mu {
		var res mat.Dense
		res.Mul(m.mu[e], X.Element(e))
		res.Sub(Y.Element(e), &res)
		scatter := linalg.OuterSamples(&res, &res)
		scatter.Add(scatter, mismatch[e])
		sEyy[e] = linalg.Symmetrize(scatter)
		n[e] = float64(Y.Samples())
	}
	return m.InvU.UpdateScatter(sEyy, n, step)
}

// KLqprior returns KL(q(A,Λ)‖p(A,Λ)) per batch entry. It includes one full
// copy of the noise precision's own KL.
func (m *MatrixNormal) KLqprior() []float64 {
	einv := m.InvU.EinvSigma()
	mismatch := m.PriorMismatch()
	kl := make([]float64, len(m.mu))
	for e := range m.mu {
		for r := 0; r < m.n; r++ {
			kl[e] += 0.5 * (linalg.TraceProd(m.eta10[r], m.v[e][r]) - float64(m.p) -
				m.logdetEta10[r] + m.logdetEta1[e][r])
		}
		kl[e] += 0.5 * linalg.TraceProd(einv[e], mismatch[e])
	}
	out := m.dims.SumEvent(kl)
	noise := m.InvU.KLqprior()
	for b := range out {
		out[b] += noise[b]
	}
	return out
}

// Predict returns the Gaussian over Y implied by inputs X, together with the
// residual log-normaliser per batch entry and sample (batches×N), such that
// E_q[log p(y|x)] = log N(y) + Res.
func (m *MatrixNormal) Predict(X *expfam.Tensor) (*mvn.Gaussian, *mat.Dense, error) {
	if err := X.Check(m.dims.Plate(), m.p); err != nil {
		return nil, nil, fmt.Errorf("input: %w", err)
	}
	einv := m.InvU.EinvSigma()
	elogdet := m.InvU.ElogdetinvSigmaElements()
	cols := X.Samples()
	reps := m.dims.Replicates()

	invSigmaMu := make([]*mat.Dense, len(m.mu))
	res := mat.NewDense(m.dims.Batches(), cols, nil)
	sumV := mat.NewSymDense(m.p, nil)
	for e := range m.mu {
		x := X.Element(e)
		var mx mat.Dense
		mx.Mul(m.mu[e], x)
		invSigmaMu[e] = mat.NewDense(m.n, cols, nil)
		invSigmaMu[e].Mul(einv[e], &mx)

		logdetP, err := linalg.LogDet(einv[e])
		if err != nil {
			return nil, nil, fmt.Errorf("element %d: %w", e, err)
		}
		sumV.Zero()
		for r := 0; r < m.n; r++ {
			sumV.AddSym(sumV, m.v[e][r])
		}
		b := e / reps
		for s := 0; s < cols; s++ {
			xs := x.ColView(s)
			res.Set(b, s, res.At(b, s)-0.5*mat.Inner(xs, sumV, xs)+0.5*(elogdet[e]-logdetP))
		}
	}
	pred, err := mvn.NewInfo(X.SampleShape(), X.PlateShape(), einv, invSigmaMu)
	if err != nil {
		return nil, nil, err
	}
	return pred, res, nil
}

// ExpectedLogLike returns E_q[log p(y|x)] per batch entry and sample. It is
// the reference the predictive decomposition is checked against.
func (m *MatrixNormal) ExpectedLogLike(X, Y *expfam.Tensor) (*mat.Dense, error) {
	plate := m.dims.Plate()
	if err := X.Check(plate, m.p); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	if err := Y.Check(plate, m.n); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	einv := m.InvU.EinvSigma()
	elogdet := m.InvU.ElogdetinvSigmaElements()
	cols := X.Samples()
	reps := m.dims.Replicates()
	out := mat.NewDense(m.dims.Batches(), cols, nil)
	diff := mat.NewVecDense(m.n, nil)
	for e := range m.mu {
		var mx mat.Dense
		mx.Mul(m.mu[e], X.Element(e))
		b := e / reps
		for s := 0; s < cols; s++ {
			xs := X.Element(e).ColView(s)
			diff.SubVec(Y.Element(e).ColView(s), mx.ColView(s))
			ll := -0.5*mat.Inner(diff, einv[e], diff) + 0.5*elogdet[e] - 0.5*float64(m.n)*math.Log(2*math.Pi)
			for r := 0; r < m.n; r++ {
				ll -= 0.5 * mat.Inner(xs, m.v[e][r], xs)
			}
			out.Set(b, s, out.At(b, s)+ll)
		}
	}
	return out, nil
}
