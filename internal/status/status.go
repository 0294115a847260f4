// Package status defines the sentinel errors shared by the interrupt
// routing packages. Callers classify failures with errors.Is.
package status

import "errors"

var (
	// ErrConfigInconsistent reports firmware tables or controller
	// state that contradict themselves.
	ErrConfigInconsistent = errors.New("inconsistent configuration")

	// ErrResourceExhausted reports an allocator running dry.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrUnsupported reports an operation the selected controller
	// cannot perform.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrNotFound reports a lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrBusy reports an operation rejected because another one is in
	// flight.
	ErrBusy = errors.New("busy")

	// ErrBadParam reports a malformed argument.
	ErrBadParam = errors.New("bad parameter")

	// ErrAlreadyBound reports a pin or line that is already hooked up
	// with conflicting settings.
	ErrAlreadyBound = errors.New("already bound")

	// ErrTriggerMismatch reports trigger modes that cannot be shared
	// on one line.
	ErrTriggerMismatch = errors.New("trigger mode mismatch")
)
