package orchestrator

import "errors"

// ErrSpawnFailure marks runs failed because their agent could not be
// started within the allowed number of attempts.
var ErrSpawnFailure = errors.New("spawn failure")

// errStateChanged aborts an UpdateRun whose precondition no longer holds.
var errStateChanged = errors.New("run state changed")
