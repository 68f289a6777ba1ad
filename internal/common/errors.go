package common

import "errors"

// Error taxonomy shared by the core services. Callers test with errors.Is;
// services wrap these with context via fmt.Errorf("...: %w", ErrX).
var (
	// ErrNotFound is returned for an unknown job id
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not valid for the
	// current lifecycle state, e.g. cancelling a terminal job
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")

	// ErrExternalTool marks a fetch subprocess that exited non-zero or produced no usable output
	ErrExternalTool = errors.New("external tool failure")

	// ErrTimeout marks a job that exceeded its wall clock budget
	ErrTimeout = errors.New("timeout")

	// ErrPartialCleanup is returned when one or more items in a retention run could not be deleted
	ErrPartialCleanup = errors.New("partial cleanup failure")
)
