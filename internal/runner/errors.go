package runner

import "errors"

var (
	// ErrRunTerminal is returned when advancing a completed or failed run.
	ErrRunTerminal = errors.New("run is terminal")

	// ErrNoStepPending is returned when completing a step on a run that is
	// not awaiting one, including a duplicate completion report.
	ErrNoStepPending = errors.New("no step pending")
)
