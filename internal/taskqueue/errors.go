package taskqueue

import "errors"

// Business-rule refusals (spec.md §7): typed, not retried, logged at info.
var (
	ErrNotFound          = errors.New("taskqueue: task not found")
	ErrNotQueued         = errors.New("taskqueue: task is not queued")
	ErrStaleGeneration   = errors.New("taskqueue: stale generation")
	ErrWrongAgent        = errors.New("taskqueue: task not assigned to this agent")
	ErrDependencyMissing = errors.New("taskqueue: dependency does not exist")
	ErrNotDeadLetter     = errors.New("taskqueue: task is not in dead_letter")
	ErrAlreadyTerminal   = errors.New("taskqueue: task is already in a terminal state")
	ErrValidation        = errors.New("taskqueue: validation failed")
)
