// Package multilinear implements variational Bayesian inference for the
// multilinear regression Y = A_1·X_1 + A_2·X_2 + ... + bias.
//
// The approximate posterior factorises over the linear maps A_i, each a
// matrix normal, and a single noise precision that every factor shares.
// Because the precision is shared rather than duplicated, every aggregate
// over factors (KL divergence, predictive normaliser) subtracts k-1 copies of
// the precision's own contribution.
package multilinear

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/linalg"
	"github.com/n0madic/go-multilinear-vb/matrixnormal"
	"github.com/n0madic/go-multilinear-vb/wishart"
)

// NoiseType selects the family of the shared noise precision.
type NoiseType int

const (
	// NoiseWishart is a full-covariance noise model (Wishart precision).
	NoiseWishart NoiseType = iota
	// NoiseGamma is a diagonal noise model (one Gamma precision per output).
	NoiseGamma
)

func (t NoiseType) String() string {
	switch t {
	case NoiseWishart:
		return "wishart"
	case NoiseGamma:
		return "gamma"
	default:
		return fmt.Sprintf("NoiseType(%d)", int(t))
	}
}

// Model is a multilinear normal-Wishart (or normal-Gamma) regression node.
//
// A model is not safe for concurrent use: RawUpdate mutates every factor and
// the shared precision in place.
type Model struct {
	n     int
	pList []int // includes the intercept factor when padX is set
	dims  expfam.Dims
	noise NoiseType
	padX  bool

	// A holds one posterior per input. Every A[i].InvU is InvU.
	A []*matrixnormal.MatrixNormal
	// InvU is the noise precision shared by all factors.
	InvU matrixnormal.Precision

	bias []*mat.VecDense // one n-vector per plate element

	id       uuid.UUID
	rng      *rand.Rand
	logger   *slog.Logger
	nUpdates uint64
}

type options struct {
	batch  expfam.Shape
	masks  [][][]bool
	xMasks [][]bool
	padX   bool
	noise  NoiseType
	lambda float64
	rng    *rand.Rand
	logger *slog.Logger
}

// Option configures a Model.
type Option func(*options)

// WithBatchShape sets the batch shape shared by every sub-distribution.
func WithBatchShape(shape ...int) Option {
	return func(o *options) {
		o.batch = expfam.Shape(shape).Clone()
	}
}

// WithMasks sets one n×p coefficient mask per input (nil entries keep every
// coefficient). The list must have one entry per explicit input.
func WithMasks(masks [][][]bool) Option {
	return func(o *options) {
		o.masks = masks
	}
}

// WithXMasks sets one input mask per input (nil entries keep every input).
// The list must have one entry per explicit input.
func WithXMasks(xMasks [][]bool) Option {
	return func(o *options) {
		o.xMasks = xMasks
	}
}

// WithIntercept appends an implicit constant-one input, and a factor to go
// with it, to every update and prediction.
func WithIntercept(pad bool) Option {
	return func(o *options) {
		o.padX = pad
	}
}

// WithNoise selects the shared noise family.
func WithNoise(t NoiseType) Option {
	return func(o *options) {
		o.noise = t
	}
}

// WithPriorPrecision sets the prior column precision of every factor to
// lambda·I (default 1). Larger values shrink the maps toward zero.
func WithPriorPrecision(lambda float64) Option {
	return func(o *options) {
		o.lambda = lambda
	}
}

// WithRandomSeed seeds the factor-order permutation. Zero picks a
// time-based seed.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		o.rng = rand.New(rand.NewSource(seed))
	}
}

// WithLogger sets the logger used for per-update diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a model with output dimension n and one input of dimension
// pList[i] per factor. Every factor starts at a zero-mean prior with column
// precision lambda·I (see WithPriorPrecision); the shared precision starts
// at a weak prior with n+2 degrees of freedom and identity scale.
func New(n int, pList []int, opts ...Option) (*Model, error) {
	if n <= 0 {
		return nil, fmt.Errorf("output dimension must be positive, got %d: %w", n, expfam.ErrInvalidDimension)
	}
	if len(pList) == 0 {
		return nil, fmt.Errorf("at least one input is required: %w", expfam.ErrInvalidDimension)
	}
	for i, p := range pList {
		if p <= 0 {
			return nil, fmt.Errorf("input %d dimension must be positive, got %d: %w", i, p, expfam.ErrInvalidDimension)
		}
	}

	o := options{noise: NoiseWishart, lambda: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.batch.Validate(); err != nil {
		return nil, err
	}
	if o.masks != nil && len(o.masks) != len(pList) {
		return nil, fmt.Errorf("%d masks for %d inputs: %w", len(o.masks), len(pList), expfam.ErrMaskLength)
	}
	if o.xMasks != nil && len(o.xMasks) != len(pList) {
		return nil, fmt.Errorf("%d input masks for %d inputs: %w", len(o.xMasks), len(pList), expfam.ErrMaskLength)
	}
	if o.lambda <= 0 {
		return nil, fmt.Errorf("prior precision must be positive, got %v: %w", o.lambda, expfam.ErrInvalidDimension)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	id := uuid.New()
	m := &Model{
		id:     id,
		n:      n,
		pList:  append([]int(nil), pList...),
		dims:   expfam.NewDims(o.batch, n, 0),
		noise:  o.noise,
		padX:   o.padX,
		rng:    o.rng,
		logger: o.logger.With("model", id.String()),
	}
	masks := make([][][]bool, len(pList))
	xMasks := make([][]bool, len(pList))
	copy(masks, o.masks)
	copy(xMasks, o.xMasks)
	if o.padX {
		m.pList = append(m.pList, 1)
		masks = append(masks, nil)
		xMasks = append(xMasks, nil)
	}

	var err error
	switch o.noise {
	case NoiseWishart:
		m.InvU, err = wishart.New(float64(n+2), linalg.Identity(n), o.batch)
	case NoiseGamma:
		scale := mat.NewVecDense(n, nil)
		for j := 0; j < n; j++ {
			scale.SetVec(j, 1)
		}
		m.InvU, err = wishart.NewDiagonal(float64(n+2), scale, o.batch)
	default:
		return nil, fmt.Errorf("unknown noise type %v: %w", o.noise, expfam.ErrInvalidDimension)
	}
	if err != nil {
		return nil, fmt.Errorf("noise precision: %w", err)
	}

	newFactor := matrixnormal.NewWishart
	if o.noise == NoiseGamma {
		newFactor = matrixnormal.NewGamma
	}
	m.A = make([]*matrixnormal.MatrixNormal, len(m.pList))
	for i, p := range m.pList {
		invV0 := linalg.Identity(p)
		invV0.ScaleSym(o.lambda, invV0)
		m.A[i], err = newFactor(n, p,
			matrixnormal.WithPrecision(m.InvU),
			matrixnormal.WithPriorPrecision(invV0),
			matrixnormal.WithMask(masks[i]),
			matrixnormal.WithXMask(xMasks[i]),
			matrixnormal.WithFixedPrecision(true),
		)
		if err != nil {
			return nil, fmt.Errorf("factor %d: %w", i, err)
		}
	}

	m.bias = make([]*mat.VecDense, m.dims.Elements())
	for e := range m.bias {
		m.bias[e] = mat.NewVecDense(n, nil)
	}
	return m, nil
}

// ToEvent reinterprets the last n batch axes as event axes on every factor,
// on the shared precision and on the model. It returns the model for
// chaining after construction.
func (m *Model) ToEvent(n int) (*Model, error) {
	if n == 0 {
		return m, nil
	}
	if n < 0 || n > m.dims.BatchDim() {
		return nil, fmt.Errorf("cannot move %d of %d batch axes: %w", n, m.dims.BatchDim(), expfam.ErrInvalidShift)
	}
	for i, a := range m.A {
		if err := a.ToEvent(n); err != nil {
			return nil, fmt.Errorf("factor %d: %w", i, err)
		}
	}
	if err := m.InvU.ToEvent(n); err != nil {
		return nil, fmt.Errorf("noise precision: %w", err)
	}
	if err := m.dims.ToEvent(n); err != nil {
		return nil, err
	}
	return m, nil
}

// ToBatch undoes ToEvent(n).
func (m *Model) ToBatch(n int) (*Model, error) {
	if n == 0 {
		return m, nil
	}
	if n < 0 || n > len(m.dims.Prefix()) {
		return nil, fmt.Errorf("cannot move %d of %d event axes: %w", n, len(m.dims.Prefix()), expfam.ErrInvalidShift)
	}
	for i, a := range m.A {
		if err := a.ToBatch(n); err != nil {
			return nil, fmt.Errorf("factor %d: %w", i, err)
		}
	}
	if err := m.InvU.ToBatch(n); err != nil {
		return nil, fmt.Errorf("noise precision: %w", err)
	}
	if err := m.dims.ToBatch(n); err != nil {
		return nil, err
	}
	return m, nil
}

// ID identifies the model in log records and Stats.
func (m *Model) ID() uuid.UUID { return m.id }

// Dims returns the model's batch/event partition. The event shape is the
// replicate prefix followed by (n, 0).
func (m *Model) Dims() expfam.Dims { return m.dims }

// OutputDim returns n.
func (m *Model) OutputDim() int { return m.n }

// InputDims returns the input dimension of every factor, including the
// intercept factor when one was requested.
func (m *Model) InputDims() []int { return append([]int(nil), m.pList...) }

// NumFactors returns k, the number of factors sharing the noise precision.
func (m *Model) NumFactors() int { return len(m.A) }

// Noise returns the noise family.
func (m *Model) Noise() NoiseType { return m.noise }

// Bias returns a copy of the running bias estimate per plate element.
func (m *Model) Bias() []*mat.VecDense {
	out := make([]*mat.VecDense, len(m.bias))
	for e, b := range m.bias {
		out[e] = mat.VecDenseCopyOf(b)
	}
	return out
}

// ElogdetinvSigma returns E[log|Λ|] of the shared precision per batch entry.
func (m *Model) ElogdetinvSigma() []float64 { return m.InvU.ElogdetinvSigma() }

// EinvSigma returns E[Λ] of the shared precision per plate element.
func (m *Model) EinvSigma() []*mat.SymDense { return m.InvU.EinvSigma() }

// ESigma returns E[Λ⁻¹] of the shared precision per plate element.
func (m *Model) ESigma() []*mat.SymDense { return m.InvU.ESigma() }

// Stats returns a snapshot of the model's configuration and progress.
func (m *Model) Stats() map[string]any {
	return map[string]any{
		"id":          m.id.String(),
		"output_dim":  m.n,
		"input_dims":  m.InputDims(),
		"factors":     len(m.A),
		"noise":       m.noise.String(),
		"intercept":   m.padX,
		"batch_shape": m.dims.BatchShape(),
		"event_shape": m.dims.EventShape(),
		"updates":     m.nUpdates,
	}
}
