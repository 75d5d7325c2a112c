package multilinear

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-multilinear-vb/expfam"
	"github.com/n0madic/go-multilinear-vb/internal/logutil"
	"github.com/n0madic/go-multilinear-vb/wishart"
)

var (
	trueA = []*mat.Dense{
		mat.NewDense(2, 3, []float64{
			1.0, -0.5, 0.2,
			0.3, 0.8, -1.0,
		}),
		mat.NewDense(2, 2, []float64{
			-0.7, 0.0,
			0.4, 1.5,
		}),
	}
	trueBias = mat.NewVecDense(2, []float64{0.5, -0.25})
)

// simulate draws inputs with non-zero means, so that bias and slopes have
// to be separated, and targets Y = Σ A_i·X_i + b + sigma·ε for every plate
// element.
func simulate(t testing.TB, rng *rand.Rand, samples int, plate expfam.Shape, sigma float64) ([]*expfam.Tensor, *expfam.Tensor) {
	t.Helper()
	sample := expfam.Shape{samples}
	n, _ := trueA[0].Dims()
	Y, err := expfam.NewTensor(sample, plate, n)
	require.NoError(t, err)
	X := make([]*expfam.Tensor, len(trueA))
	for i, a := range trueA {
		_, p := a.Dims()
		X[i], err = expfam.NewTensor(sample, plate, p)
		require.NoError(t, err)
	}
	for e := 0; e < Y.Elements(); e++ {
		y := Y.Element(e)
		for i, a := range trueA {
			x := X[i].Element(e)
			x.Apply(func(r, _ int, _ float64) float64 { return 0.5*float64(r+i) + rng.NormFloat64() }, x)
			var ax mat.Dense
			ax.Mul(a, x)
			y.Add(y, &ax)
		}
		y.Apply(func(r, _ int, v float64) float64 {
			return v + trueBias.AtVec(r) + sigma*rng.NormFloat64()
		}, y)
	}
	return X, Y
}

func assertClose(t *testing.T, want, got mat.Matrix, tol float64, msg string) {
	t.Helper()
	assert.True(t, mat.EqualApprox(want, got, tol), "%s: want\n%v\ngot\n%v", msg, mat.Formatted(want), mat.Formatted(got))
}

// assertSharedPrecision checks that every factor still points at the
// model's own noise precision.
func assertSharedPrecision(t *testing.T, m *Model) {
	t.Helper()
	for i, a := range m.A {
		assert.Same(t, m.InvU, a.InvU, "factor %d must share the noise precision", i)
	}
}

// expectedLogLike computes E_q[log p(y|x)] per batch entry and sample
// directly from the factor posteriors.
func expectedLogLike(t *testing.T, m *Model, X []*expfam.Tensor, Y *expfam.Tensor) *mat.Dense {
	t.Helper()
	X, err := m.inputs(X)
	require.NoError(t, err)
	einv := m.EinvSigma()
	elogdet := m.InvU.ElogdetinvSigmaElements()
	reps := m.Dims().Replicates()
	cols := Y.Samples()
	out := mat.NewDense(m.Dims().Batches(), cols, nil)
	for e := 0; e < Y.Elements(); e++ {
		mu := mat.NewDense(m.n, cols, nil)
		for i, a := range m.A {
			var ax mat.Dense
			ax.Mul(a.MeanElement(e), X[i].Element(e))
			mu.Add(mu, &ax)
		}
		for s := 0; s < cols; s++ {
			diff := mat.NewVecDense(m.n, nil)
			for r := 0; r < m.n; r++ {
				diff.SetVec(r, Y.At(s, e, r)-mu.At(r, s)-m.bias[e].AtVec(r))
			}
			ll := -0.5*mat.Inner(diff, einv[e], diff) + 0.5*elogdet[e] - 0.5*float64(m.n)*math.Log(2*math.Pi)
			for i, a := range m.A {
				xs := X[i].Element(e).ColView(s)
				for r := 0; r < m.n; r++ {
					ll -= 0.5 * mat.Inner(xs, a.RowCovariance(e, r), xs)
				}
			}
			out.Set(e/reps, s, out.At(e/reps, s)+ll)
		}
	}
	return out
}

func TestNewModel(t *testing.T) {
	m, err := New(2, []int{3, 2},
		WithBatchShape(4),
		WithIntercept(true),
		WithNoise(NoiseGamma),
		WithRandomSeed(1),
	)
	require.NoError(t, err)

	assert.Equal(t, 2, m.OutputDim())
	assert.Equal(t, []int{3, 2, 1}, m.InputDims())
	assert.Equal(t, 3, m.NumFactors())
	assert.Equal(t, NoiseGamma, m.Noise())
	assert.Equal(t, expfam.Shape{4}, m.Dims().BatchShape())
	assert.Equal(t, expfam.Shape{2, 0}, m.Dims().EventShape())
	assert.IsType(t, &wishart.Diagonal{}, m.InvU)

	for i, a := range m.A {
		assert.Same(t, m.InvU, a.InvU, "factor %d must share the noise precision", i)
		assert.True(t, a.FixedPrecision, "factor %d must not update the shared precision itself", i)
	}
	for _, b := range m.Bias() {
		assert.Equal(t, 0.0, mat.Norm(b, 2))
	}
	for _, p := range m.EinvSigma() {
		assertClose(t, mat.NewDiagDense(2, []float64{4, 4}), p, 1e-12, "prior E[Λ] = (n+2)·I")
	}
	for _, kl := range m.KLqprior() {
		assert.InDelta(t, 0, kl, 1e-10)
	}

	stats := m.Stats()
	assert.Equal(t, 3, stats["factors"])
	assert.Equal(t, "gamma", stats["noise"])
	assert.Equal(t, true, stats["intercept"])
	assert.Equal(t, uint64(0), stats["updates"])
	assert.Equal(t, m.ID().String(), stats["id"])

	other, err := New(2, []int{3})
	require.NoError(t, err)
	assert.NotEqual(t, m.ID(), other.ID())
}

func TestNewModelErrors(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		pList []int
		opts  []Option
		want  error
	}{
		{"zero output", 0, []int{2}, nil, expfam.ErrInvalidDimension},
		{"no inputs", 2, nil, nil, expfam.ErrInvalidDimension},
		{"zero input", 2, []int{2, 0}, nil, expfam.ErrInvalidDimension},
		{"bad batch", 2, []int{2}, []Option{WithBatchShape(0)}, expfam.ErrInvalidDimension},
		{"short masks", 2, []int{3, 2}, []Option{WithMasks([][][]bool{nil})}, expfam.ErrMaskLength},
		{"long input masks", 2, []int{3}, []Option{WithXMasks([][]bool{nil, nil})}, expfam.ErrMaskLength},
		{"bad mask shape", 2, []int{3}, []Option{WithMasks([][][]bool{{{true, true, true}}})}, expfam.ErrShapeMismatch},
		{"bad noise", 2, []int{3}, []Option{WithNoise(NoiseType(9))}, expfam.ErrInvalidDimension},
		{"bad prior precision", 2, []int{3}, []Option{WithPriorPrecision(0)}, expfam.ErrInvalidDimension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.n, tt.pList, tt.opts...)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestRawUpdateRecovers(t *testing.T) {
	const (
		samples = 500
		sigma   = 0.1
		tol     = 0.05
	)
	for _, noise := range []NoiseType{NoiseWishart, NoiseGamma} {
		t.Run(noise.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			X, Y := simulate(t, rng, samples, nil, sigma)

			m, err := New(2, []int{3, 2}, WithNoise(noise), WithRandomSeed(42))
			require.NoError(t, err)
			for u := 0; u < 3; u++ {
				require.NoError(t, m.RawUpdate(X, Y, WithIters(4)))
				assertSharedPrecision(t, m)
			}

			for i, a := range trueA {
				assertClose(t, a, m.A[i].MeanElement(0), tol, "factor mean")
			}
			assertClose(t, trueBias, m.Bias()[0], tol, "bias")

			p := m.EinvSigma()[0]
			for j := 0; j < 2; j++ {
				assert.Greater(t, p.At(j, j), 20.0, "noise precision should grow with the data")
			}
			assert.Greater(t, m.KLqprior()[0], 0.0)
			assert.Equal(t, uint64(3), m.Stats()["updates"])
		})
	}
}

func TestNoiseFamiliesAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	X, Y := simulate(t, rng, 300, nil, 0.2)

	full, err := New(2, []int{3, 2}, WithNoise(NoiseWishart), WithRandomSeed(3))
	require.NoError(t, err)
	diag, err := New(2, []int{3, 2}, WithNoise(NoiseGamma), WithRandomSeed(3))
	require.NoError(t, err)
	require.NoError(t, full.RawUpdate(X, Y, WithIters(5)))
	require.NoError(t, diag.RawUpdate(X, Y, WithIters(5)))

	for i := range trueA {
		assertClose(t, full.A[i].MeanElement(0), diag.A[i].MeanElement(0), 0.02, "factor means")
	}
	pf, pd := full.EinvSigma()[0], diag.EinvSigma()[0]
	for j := 0; j < 2; j++ {
		assert.InDelta(t, 1, pd.At(j, j)/pf.At(j, j), 0.1, "precision %d", j)
	}
}

func TestRawUpdateZeroStep(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	X, Y := simulate(t, rng, 60, expfam.Shape{2}, 0.3)

	m, err := New(2, []int{3, 2}, WithBatchShape(2), WithIntercept(true), WithRandomSeed(8))
	require.NoError(t, err)
	require.NoError(t, m.RawUpdate(X, Y, WithIters(2)))

	means := make([][]*mat.Dense, m.NumFactors())
	for i, a := range m.A {
		means[i] = a.Mean()
	}
	bias := m.Bias()
	precision := m.EinvSigma()
	logdet := m.ElogdetinvSigma()

	require.NoError(t, m.RawUpdate(X, Y, WithIters(3), WithLR(0)))

	for i, a := range m.A {
		for e, mu := range a.Mean() {
			assert.True(t, mat.Equal(means[i][e], mu), "factor %d element %d moved", i, e)
		}
	}
	for e, b := range m.Bias() {
		assert.True(t, mat.Equal(bias[e], b), "bias %d moved", e)
	}
	for e, p := range m.EinvSigma() {
		assert.True(t, mat.Equal(precision[e], p), "precision %d moved", e)
	}
	assert.Equal(t, logdet, m.ElogdetinvSigma())
}

func TestRawUpdateForgetting(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	X1, Y1 := simulate(t, rng, 40, nil, 0.3)
	X2, Y2 := simulate(t, rng, 25, nil, 0.3)

	m, err := New(2, []int{3, 2}, WithRandomSeed(2))
	require.NoError(t, err)
	require.NoError(t, m.RawUpdate(X1, Y1, WithBeta(1)))
	require.NoError(t, m.RawUpdate(X2, Y2, WithBeta(1)))

	w, ok := m.InvU.(*wishart.Wishart)
	require.True(t, ok)
	assert.Equal(t, []float64{4 + 40 + 25}, w.Nu(), "beta=1 accumulates evidence across minibatches")

	require.NoError(t, m.RawUpdate(X2, Y2))
	assert.Equal(t, []float64{4 + 25}, w.Nu(), "a plain step replaces it")

	require.NoError(t, m.RawUpdate(X2, Y2, WithBeta(0.5), WithLR(0.5)))
	assert.InDelta(t, 0.5*(4+25+0.5*25)+0.5*(4+25), w.Nu()[0], 1e-12)
}

func TestPredictDecomposition(t *testing.T) {
	for _, tt := range []struct {
		name  string
		noise NoiseType
		pad   bool
	}{
		{"wishart", NoiseWishart, false},
		{"wishart with intercept", NoiseWishart, true},
		{"gamma", NoiseGamma, false},
		{"gamma with intercept", NoiseGamma, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(21))
			X, Y := simulate(t, rng, 80, expfam.Shape{2, 3}, 0.4)

			m, err := New(2, []int{3, 2},
				WithBatchShape(2, 3),
				WithNoise(tt.noise),
				WithIntercept(tt.pad),
				WithRandomSeed(5),
			)
			require.NoError(t, err)
			m, err = m.ToEvent(1)
			require.NoError(t, err)
			require.NoError(t, m.RawUpdate(X, Y, WithIters(2)))

			Xt, Yt := simulate(t, rng, 7, expfam.Shape{2, 3}, 0.4)
			pred, res, err := m.Predict(Xt)
			require.NoError(t, err)
			r, c := res.Dims()
			require.Equal(t, 2, r)
			require.Equal(t, 7, c)
			assert.Equal(t, expfam.Shape{2, 3}, pred.PlateShape())

			lp, err := pred.LogProb(Yt)
			require.NoError(t, err)
			want := expectedLogLike(t, m, Xt, Yt)
			for b := 0; b < 2; b++ {
				for s := 0; s < 7; s++ {
					got := res.At(b, s)
					for e := 3 * b; e < 3*b+3; e++ {
						got += lp.At(e, s)
					}
					assert.InDelta(t, want.At(b, s), got, 1e-7, "batch %d sample %d", b, s)
				}
			}

			means, err := pred.Mean()
			require.NoError(t, err)
			Xp, err := m.inputs(Xt)
			require.NoError(t, err)
			for e := range means {
				mu := mat.NewDense(2, 7, nil)
				for i, a := range m.A {
					var ax mat.Dense
					ax.Mul(a.MeanElement(e), Xp[i].Element(e))
					mu.Add(mu, &ax)
				}
				b := m.Bias()[e]
				mu.Apply(func(r, _ int, v float64) float64 { return v + b.AtVec(r) }, mu)
				assertClose(t, mu, means[e], 1e-9, "predictive mean")
			}
		})
	}
}

func TestKLqpriorSharedCorrection(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	X, Y := simulate(t, rng, 50, nil, 0.3)

	m, err := New(2, []int{3, 2}, WithIntercept(true), WithRandomSeed(6))
	require.NoError(t, err)
	require.NoError(t, m.RawUpdate(X, Y))

	noise := m.InvU.KLqprior()[0]
	sum := 0.0
	for _, a := range m.A {
		sum += a.KLqprior()[0]
	}
	assert.InDelta(t, sum-2*noise, m.KLqprior()[0], 1e-10)

	single, err := New(2, []int{3}, WithRandomSeed(6))
	require.NoError(t, err)
	require.NoError(t, single.RawUpdate(X[:1], Y))
	assert.Equal(t, single.A[0].KLqprior(), single.KLqprior(), "k=1 needs no correction")
}

func TestInterceptMatchesExplicitOnes(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	X, Y := simulate(t, rng, 90, nil, 0.3)
	ones, err := expfam.Ones(X[0].SampleShape(), nil, 1)
	require.NoError(t, err)

	padded, err := New(2, []int{3, 2}, WithIntercept(true), WithRandomSeed(10))
	require.NoError(t, err)
	explicit, err := New(2, []int{3, 2, 1}, WithRandomSeed(10))
	require.NoError(t, err)

	require.NoError(t, padded.RawUpdate(X, Y, WithIters(3)))
	require.NoError(t, explicit.RawUpdate(append(X[:2:2], ones), Y, WithIters(3)))

	for i := range padded.A {
		assertClose(t, explicit.A[i].MeanElement(0), padded.A[i].MeanElement(0), 1e-12, "factor mean")
	}
	assertClose(t, explicit.Bias()[0], padded.Bias()[0], 1e-12, "bias")
	assert.InDelta(t, explicit.KLqprior()[0], padded.KLqprior()[0], 1e-10)
}

func TestPriorPrecisionShrinks(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	X, Y := simulate(t, rng, 20, nil, 0.3)

	loose, err := New(2, []int{3, 2}, WithRandomSeed(1))
	require.NoError(t, err)
	tight, err := New(2, []int{3, 2}, WithPriorPrecision(1e4), WithRandomSeed(1))
	require.NoError(t, err)
	assertClose(t, mat.NewDiagDense(3, []float64{1e4, 1e4, 1e4}), tight.A[0].PriorPrecision(), 0, "prior precision")

	require.NoError(t, loose.RawUpdate(X, Y, WithIters(3)))
	require.NoError(t, tight.RawUpdate(X, Y, WithIters(3)))
	for i := range trueA {
		assert.Less(t, mat.Norm(tight.A[i].MeanElement(0), 2), 0.1*mat.Norm(loose.A[i].MeanElement(0), 2))
	}
}

func TestMasksHonoured(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	X, Y := simulate(t, rng, 100, nil, 0.3)

	m, err := New(2, []int{3, 2},
		WithMasks([][][]bool{
			{{true, false, true}, {true, true, true}},
			nil,
		}),
		WithXMasks([][]bool{nil, {true, false}}),
		WithRandomSeed(1),
	)
	require.NoError(t, err)
	require.NoError(t, m.RawUpdate(X, Y, WithIters(3)))

	assert.Equal(t, 0.0, m.A[0].MeanElement(0).At(0, 1))
	assert.Equal(t, 0.0, m.A[1].MeanElement(0).At(0, 1))
	assert.Equal(t, 0.0, m.A[1].MeanElement(0).At(1, 1))
	assert.NotEqual(t, 0.0, m.A[0].MeanElement(0).At(1, 1))
}

func TestToEvent(t *testing.T) {
	m, err := New(2, []int{3, 2}, WithBatchShape(2, 3), WithRandomSeed(1))
	require.NoError(t, err)

	same, err := m.ToEvent(0)
	require.NoError(t, err)
	assert.Same(t, m, same)
	assert.Equal(t, expfam.Shape{2, 3}, m.Dims().BatchShape())

	_, err = m.ToEvent(3)
	assert.True(t, errors.Is(err, expfam.ErrInvalidShift), "got %v", err)

	_, err = m.ToEvent(1)
	require.NoError(t, err)
	assert.Equal(t, expfam.Shape{2}, m.Dims().BatchShape())
	assert.Equal(t, expfam.Shape{3, 2, 0}, m.Dims().EventShape())
	assert.Equal(t, expfam.Shape{3}, m.InvU.Dims().Prefix(), "shared precision moved once")
	assertSharedPrecision(t, m)
	for i, a := range m.A {
		assert.Equal(t, expfam.Shape{2}, a.Dims().BatchShape(), "factor %d", i)
	}
	assert.Len(t, m.KLqprior(), 2)
	assert.Len(t, m.ElogdetinvSigma(), 2)
	assert.Len(t, m.EinvSigma(), 6)
	assert.Len(t, m.ESigma(), 6)

	rng := rand.New(rand.NewSource(6))
	X, Y := simulate(t, rng, 30, expfam.Shape{2, 3}, 0.3)
	require.NoError(t, m.RawUpdate(X, Y, WithIters(2)))
	assertSharedPrecision(t, m)
	assert.Equal(t, expfam.Shape{3}, m.InvU.Dims().Prefix())

	_, err = m.ToBatch(1)
	require.NoError(t, err)
	assert.Equal(t, expfam.Shape{2, 3}, m.Dims().BatchShape())
	assert.Equal(t, expfam.Shape{2, 0}, m.Dims().EventShape())
	assert.Equal(t, expfam.Shape{2, 3}, m.InvU.Dims().BatchShape())
	assert.Len(t, m.KLqprior(), 6)
	assertSharedPrecision(t, m)
}

func TestRawUpdateErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	X, Y := simulate(t, rng, 20, nil, 0.3)
	X2, Y2 := simulate(t, rng, 21, nil, 0.3)
	Xb, _ := simulate(t, rng, 20, expfam.Shape{2}, 0.3)

	m, err := New(2, []int{3, 2}, WithRandomSeed(1))
	require.NoError(t, err)

	tests := []struct {
		name string
		X    []*expfam.Tensor
		Y    *expfam.Tensor
		opts []UpdateOption
		want error
	}{
		{"missing input", X[:1], Y, nil, expfam.ErrShapeMismatch},
		{"swapped inputs", []*expfam.Tensor{X[1], X[0]}, Y, nil, expfam.ErrShapeMismatch},
		{"sample mismatch", X, Y2, nil, expfam.ErrShapeMismatch},
		{"input sample mismatch", []*expfam.Tensor{X[0], X2[1]}, Y, nil, expfam.ErrShapeMismatch},
		{"plate mismatch", Xb, Y, nil, expfam.ErrShapeMismatch},
		{"target rows", X, X[0], nil, expfam.ErrShapeMismatch},
		{"zero iters", X, Y, []UpdateOption{WithIters(0)}, expfam.ErrInvalidStep},
		{"lr too large", X, Y, []UpdateOption{WithLR(1.5)}, expfam.ErrInvalidStep},
		{"negative beta", X, Y, []UpdateOption{WithBeta(-0.1)}, expfam.ErrInvalidStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.RawUpdate(tt.X, tt.Y, tt.opts...)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}

	_, _, err = m.Predict(X[:1])
	assert.True(t, errors.Is(err, expfam.ErrShapeMismatch), "got %v", err)
	assert.Equal(t, uint64(0), m.Stats()["updates"])
}

func TestMessagePassingStubs(t *testing.T) {
	m, err := New(2, []int{3}, WithRandomSeed(1))
	require.NoError(t, err)

	calls := map[string]func() error{
		"Update": func() error { return m.Update(nil, nil) },
		"ElogLike": func() error {
			_, err := m.ElogLike(nil, nil)
			return err
		},
		"ElogLikeGivenPXPY": func() error {
			_, err := m.ElogLikeGivenPXPY(nil, nil)
			return err
		},
		"ElogLikeX": func() error {
			_, _, err := m.ElogLikeX(nil)
			return err
		},
		"ElogLikeXGivenPY": func() error {
			_, _, err := m.ElogLikeXGivenPY(nil)
			return err
		},
		"Forward": func() error {
			_, _, err := m.Forward(nil)
			return err
		},
		"PredictGivenPX": func() error {
			_, _, err := m.PredictGivenPX(nil)
			return err
		},
		"Backward": func() error {
			_, _, err := m.Backward(nil)
			return err
		},
		"EBackward": func() error {
			_, _, err := m.EBackward(nil)
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.True(t, errors.Is(call(), expfam.ErrNotImplemented))
		})
	}
}

func TestUpdateLogging(t *testing.T) {
	var buf bytes.Buffer
	rng := rand.New(rand.NewSource(3))
	X, Y := simulate(t, rng, 30, nil, 0.3)

	m, err := New(2, []int{3, 2},
		WithRandomSeed(1),
		WithLogger(logutil.NewLogger(&buf, logutil.LevelTrace)),
	)
	require.NoError(t, err)
	require.NoError(t, m.RawUpdate(X, Y, WithIters(2)))

	out := buf.String()
	assert.Contains(t, out, "msg=\"multilinear sweep\"")
	assert.Contains(t, out, "msg=\"multilinear update\"")
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "model="+m.ID().String())

	buf.Reset()
	m.logger = logutil.NewLogger(&buf, slog.LevelInfo)
	require.NoError(t, m.RawUpdate(X, Y))
	assert.Empty(t, buf.String())
}

func TestNoiseTypeString(t *testing.T) {
	assert.Equal(t, "wishart", NoiseWishart.String())
	assert.Equal(t, "gamma", NoiseGamma.String())
	assert.Equal(t, "NoiseType(7)", NoiseType(7).String())
}
