package expfam

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor holds column-vector observations laid out as
// sample axes × plate axes × (rows, 1).
//
// Each plate element owns a rows×N matrix whose columns are the N samples,
// N being the product of the sample axes. Sample axes are only counted,
// never reduced selectively, so any number of leading replicate axes can be
// folded into them.
type Tensor struct {
	sample Shape
	plate  Shape
	rows   int
	data   []*mat.Dense
}

// NewTensor returns a zero tensor.
func NewTensor(sample, plate Shape, rows int) (*Tensor, error) {
	if err := checkLayout(sample, plate, rows); err != nil {
		return nil, err
	}
	t := &Tensor{
		sample: sample.Clone(),
		plate:  plate.Clone(),
		rows:   rows,
		data:   make([]*mat.Dense, plate.Size()),
	}
	n := sample.Size()
	for e := range t.data {
		t.data[e] = mat.NewDense(rows, n, nil)
	}
	return t, nil
}

// TensorFromElements wraps one rows×N matrix per plate element. The matrices
// are used directly, not copied.
func TensorFromElements(sample, plate Shape, elems []*mat.Dense) (*Tensor, error) {
	if len(elems) != plate.Size() {
		return nil, fmt.Errorf("%d elements for plate %v: %w", len(elems), plate, ErrShapeMismatch)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("empty plate: %w", ErrShapeMismatch)
	}
	rows, _ := elems[0].Dims()
	if err := checkLayout(sample, plate, rows); err != nil {
		return nil, err
	}
	n := sample.Size()
	for e, m := range elems {
		r, c := m.Dims()
		if r != rows || c != n {
			return nil, fmt.Errorf("element %d is %dx%d, want %dx%d: %w", e, r, c, rows, n, ErrShapeMismatch)
		}
	}
	return &Tensor{sample: sample.Clone(), plate: plate.Clone(), rows: rows, data: elems}, nil
}

// Ones returns a tensor filled with 1.
func Ones(sample, plate Shape, rows int) (*Tensor, error) {
	t, err := NewTensor(sample, plate, rows)
	if err != nil {
		return nil, err
	}
	for _, m := range t.data {
		raw := m.RawMatrix()
		for i := range raw.Data {
			raw.Data[i] = 1
		}
	}
	return t, nil
}

func checkLayout(sample, plate Shape, rows int) error {
	if rows <= 0 {
		return fmt.Errorf("rows = %d: %w", rows, ErrInvalidDimension)
	}
	if len(sample) == 0 {
		return fmt.Errorf("tensor needs at least one sample axis: %w", ErrShapeMismatch)
	}
	if err := sample.Validate(); err != nil {
		return err
	}
	return plate.Validate()
}

// SampleShape returns the sample axes.
func (t *Tensor) SampleShape() Shape { return t.sample.Clone() }

// PlateShape returns the plate axes.
func (t *Tensor) PlateShape() Shape { return t.plate.Clone() }

// Rows is the per-sample vector length.
func (t *Tensor) Rows() int { return t.rows }

// Samples is the number of columns held by each element.
func (t *Tensor) Samples() int { return t.sample.Size() }

// Elements is the number of plate elements.
func (t *Tensor) Elements() int { return len(t.data) }

// Element returns the rows×N matrix of plate element e. It aliases the
// tensor's storage.
func (t *Tensor) Element(e int) *mat.Dense { return t.data[e] }

// At returns entry row of the given sample in plate element elem.
func (t *Tensor) At(sample, elem, row int) float64 {
	return t.data[elem].At(row, sample)
}

// Set is the counterpart of At.
func (t *Tensor) Set(sample, elem, row int, v float64) {
	t.data[elem].Set(row, sample, v)
}

// RowMeans averages every element over its samples.
func (t *Tensor) RowMeans() []*mat.VecDense {
	out := make([]*mat.VecDense, len(t.data))
	n := float64(t.Samples())
	for e, m := range t.data {
		mu := mat.NewVecDense(t.rows, nil)
		for r := 0; r < t.rows; r++ {
			mu.SetVec(r, mat.Sum(m.RowView(r))/n)
		}
		out[e] = mu
	}
	return out
}

// Centered returns a copy with the per-element vector mu subtracted from
// every sample.
func (t *Tensor) Centered(mu []*mat.VecDense) *Tensor {
	out := &Tensor{
		sample: t.sample.Clone(),
		plate:  t.plate.Clone(),
		rows:   t.rows,
		data:   make([]*mat.Dense, len(t.data)),
	}
	n := t.Samples()
	for e, m := range t.data {
		c := mat.NewDense(t.rows, n, nil)
		c.Apply(func(i, _ int, v float64) float64 {
			return v - mu[e].AtVec(i)
		}, m)
		out.data[e] = c
	}
	return out
}

// Check verifies the tensor against an expected plate and row count.
func (t *Tensor) Check(plate Shape, rows int) error {
	if !t.plate.Equal(plate) {
		return fmt.Errorf("plate %v, want %v: %w", t.plate, plate, ErrShapeMismatch)
	}
	if t.rows != rows {
		return fmt.Errorf("rows %d, want %d: %w", t.rows, rows, ErrShapeMismatch)
	}
	return nil
}
