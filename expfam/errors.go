package expfam

import "errors"

// Sentinel errors shared by every distribution in the module. Call sites wrap
// them with fmt.Errorf("...: %w", err); callers match with errors.Is.
var (
	// ErrShapeMismatch is returned when a tensor's sample, plate or row
	// layout disagrees with the distribution it is fed to.
	ErrShapeMismatch = errors.New("expfam: shape mismatch")

	// ErrInvalidDimension is returned for non-positive model dimensions.
	ErrInvalidDimension = errors.New("expfam: invalid dimension")

	// ErrMaskLength is returned when a per-factor mask list does not have
	// one entry per factor.
	ErrMaskLength = errors.New("expfam: mask list length mismatch")

	// ErrInvalidStep is returned for a learning rate or forgetting factor
	// outside [0, 1].
	ErrInvalidStep = errors.New("expfam: invalid step")

	// ErrInvalidShift is returned when ToEvent/ToBatch is asked to move more
	// axes than are available.
	ErrInvalidShift = errors.New("expfam: invalid axis shift")

	// ErrNotImplemented marks message-passing hooks that this node does not
	// support yet.
	ErrNotImplemented = errors.New("expfam: not implemented")
)
