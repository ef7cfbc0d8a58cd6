package storage

import "errors"

var (
	// ErrNotFound is returned when no run matches the lookup.
	ErrNotFound = errors.New("run not found")

	// ErrDuplicateActiveRun is returned by CreateRun when a non-terminal run
	// already exists for the task title.
	ErrDuplicateActiveRun = errors.New("an active run already exists for this task")

	// ErrStoreUnavailable wraps failures to open or lock the database.
	ErrStoreUnavailable = errors.New("run store unavailable")
)
