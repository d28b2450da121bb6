package orchestrator

import (
	"context"
	"errors"
)

var (
	// ErrCancelled is returned when a turn's CancelToken fires mid-operation.
	// It is never reported to the user.
	ErrCancelled = errors.New("turn cancelled")

	// ErrEngineFailure wraps any recognizer, generator or synthesizer error.
	ErrEngineFailure = errors.New("engine failure")

	// ErrStaleUnit marks work whose generation id is no longer current.
	ErrStaleUnit = errors.New("stale generation")

	// ErrDeviceFailure is returned when the capture or output device fails.
	// It stops the affected stage.
	ErrDeviceFailure = errors.New("audio device failure")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")
)

// Outcome tags the result of a stage step.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// classify maps an error onto an Outcome. Staleness and context
// cancellation count as cancellation.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrStaleUnit), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
