package goalbacklog

import "errors"

// Business-rule refusals, typed and not retried.
var (
	ErrNotFound          = errors.New("goalbacklog: goal not found")
	ErrInvalidTransition = errors.New("goalbacklog: invalid status transition")
	ErrValidation        = errors.New("goalbacklog: validation failed")
)
