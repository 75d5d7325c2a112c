// Package expfam holds the bookkeeping shared by the conjugate distributions
// in this module: axis shapes, the batch/event partition, the observation
// container and the natural-parameter step rule.
package expfam

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Shape is an ordered list of axis lengths.
type Shape []int

// Size returns the number of elements spanned by the shape (1 for a scalar).
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same axes.
func (s Shape) Equal(o Shape) bool {
	return slices.Equal(s, o)
}

// Clone returns an independent copy. A nil shape clones to an empty one.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// Concat returns s followed by o.
func (s Shape) Concat(o Shape) Shape {
	out := make(Shape, 0, len(s)+len(o))
	out = append(out, s...)
	return append(out, o...)
}

// Validate checks that every axis is positive.
func (s Shape) Validate() error {
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("axis %d has length %d: %w", i, d, ErrInvalidDimension)
		}
	}
	return nil
}

func (s Shape) String() string {
	return fmt.Sprint([]int(s))
}

// Dims partitions a distribution's axes into batch and event axes.
//
// The event shape is a prefix of replicate axes followed by the
// distribution's own core axes, e.g. (n, p) for a matrix normal. Parameters
// are stored once per plate element (batch axes followed by the prefix),
// flattened row-major, so moving axes between batch and event never moves
// stored parameters.
type Dims struct {
	batch Shape
	event Shape
	core  int
}

// NewDims returns dims with the given batch shape and core event axes.
func NewDims(batch Shape, core ...int) Dims {
	return Dims{
		batch: batch.Clone(),
		event: Shape(core).Clone(),
		core:  len(core),
	}
}

// BatchShape returns the batch axes.
func (d Dims) BatchShape() Shape { return d.batch.Clone() }

// EventShape returns the event axes, prefix first.
func (d Dims) EventShape() Shape { return d.event.Clone() }

// BatchDim is the number of batch axes.
func (d Dims) BatchDim() int { return len(d.batch) }

// EventDim is the number of event axes.
func (d Dims) EventDim() int { return len(d.event) }

// Prefix returns the replicate axes that were moved into the event shape.
func (d Dims) Prefix() Shape {
	return d.event[:len(d.event)-d.core].Clone()
}

// Core returns the distribution's own trailing event axes.
func (d Dims) Core() Shape {
	return d.event[len(d.event)-d.core:].Clone()
}

// Plate returns the replicate layout parameters are stored in.
func (d Dims) Plate() Shape {
	return d.batch.Concat(d.event[:len(d.event)-d.core])
}

// Elements is the number of stored parameter sets.
func (d Dims) Elements() int { return d.Plate().Size() }

// Batches is the number of independent batch entries.
func (d Dims) Batches() int { return d.batch.Size() }

// Replicates is the number of plate elements folded into one batch entry.
func (d Dims) Replicates() int { return d.Prefix().Size() }

// ToEvent moves the last n batch axes to the front of the event shape.
func (d *Dims) ToEvent(n int) error {
	if n < 0 || n > len(d.batch) {
		return fmt.Errorf("cannot move %d of %d batch axes: %w", n, len(d.batch), ErrInvalidShift)
	}
	if n == 0 {
		return nil
	}
	cut := len(d.batch) - n
	d.event = d.batch[cut:].Concat(d.event)
	d.batch = d.batch[:cut].Clone()
	return nil
}

// ToBatch moves the first n event prefix axes back to the end of the batch
// shape. It undoes ToEvent(n).
func (d *Dims) ToBatch(n int) error {
	if n < 0 || n > len(d.event)-d.core {
		return fmt.Errorf("cannot move %d of %d event prefix axes: %w", n, len(d.event)-d.core, ErrInvalidShift)
	}
	if n == 0 {
		return nil
	}
	d.batch = d.batch.Concat(d.event[:n])
	d.event = d.event[n:].Clone()
	return nil
}

// SumEvent reduces one value per plate element to one value per batch entry
// by summing over the event prefix.
func (d Dims) SumEvent(v []float64) []float64 {
	r := d.Replicates()
	out := make([]float64, d.Batches())
	for b := range out {
		out[b] = floats.Sum(v[b*r : (b+1)*r])
	}
	return out
}
