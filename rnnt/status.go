package rnnt

import "errors"

// apiVersion is bumped whenever the public call contract changes shape.
const apiVersion = 1

// Version returns the integer API version of the transducer loss library.
func Version() int {
	return apiVersion
}

// Status classifies the outcome of a loss computation for callers that
// need a numeric code (wire responses, metrics labels). The Go API itself
// reports failures as errors; StatusOf maps an error back onto this
// taxonomy.
type Status int

const (
	StatusSuccess Status = iota
	StatusMemopsFailed
	StatusInvalidValue
	StatusExecutionFailed
	StatusUnknownError
)

// String returns a human-readable description of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "no error"
	case StatusMemopsFailed:
		return "memory operation failed"
	case StatusInvalidValue:
		return "invalid value"
	case StatusExecutionFailed:
		return "execution failed"
	case StatusUnknownError:
		return "unknown error"
	default:
		return "unknown error"
	}
}

// Sentinel errors, one per non-success status class. Failures returned by
// ComputeLoss and WorkspaceSize wrap exactly one of these.
var (
	// ErrMemopsFailed: a memory transfer or staging operation the
	// computation needed did not complete.
	ErrMemopsFailed = errors.New("rnnt: memory operation failed")

	// ErrInvalidValue: an input length, shape, pointer or option violated
	// the call contract. Detected before any numeric work.
	ErrInvalidValue = errors.New("rnnt: invalid value")

	// ErrExecutionFailed: the parallel compute substrate reported an error
	// during dispatch.
	ErrExecutionFailed = errors.New("rnnt: execution failed")

	// ErrUnknown: catch-all for failures outside the other classes.
	ErrUnknown = errors.New("rnnt: unknown error")
)

// StatusOf maps an error returned by this package onto the status taxonomy.
// A nil error is StatusSuccess.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrInvalidValue):
		return StatusInvalidValue
	case errors.Is(err, ErrMemopsFailed):
		return StatusMemopsFailed
	case errors.Is(err, ErrExecutionFailed):
		return StatusExecutionFailed
	default:
		return StatusUnknownError
	}
}
