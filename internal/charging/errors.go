package charging

import (
	"errors"
	"fmt"

	"github.com/theY4Kman/psu-progs/internal/smoothing"
)

var (
	ErrInvalidParameters   = errors.New("invalid charge parameters")
	ErrReadFailure         = errors.New("telemetry read failed")
	ErrMaxFailuresExceeded = errors.New("maximum successive failures reached")
	ErrInterrupted         = errors.New("charge interrupted")

	// ErrMissingTelemetry is re-exported so callers need not import smoothing.
	ErrMissingTelemetry = smoothing.ErrMissingTelemetry
)

// ReadFailureError wraps an error raised by the supply while polling.
type ReadFailureError struct {
	Op  string
	Err error
}

func (e *ReadFailureError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Op, e.Err)
}

func (e *ReadFailureError) Unwrap() error { return e.Err }

func (e *ReadFailureError) Is(target error) bool { return target == ErrReadFailure }

// MaxFailuresError ends a session; Err is the failure of the last tick.
type MaxFailuresError struct {
	Max int
	Err error
}

func (e *MaxFailuresError) Error() string {
	return fmt.Sprintf("reached maximum number of failures (%d): %v", e.Max, e.Err)
}

func (e *MaxFailuresError) Unwrap() error { return e.Err }

func (e *MaxFailuresError) Is(target error) bool { return target == ErrMaxFailuresExceeded }
