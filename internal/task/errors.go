package task

import "errors"

// User input errors. The queue is unchanged when any of these is returned.
var (
	ErrNotFound        = errors.New("task: not found")
	ErrInvalidPosition = errors.New("task: invalid position")
	ErrDuplicateSource = errors.New("task: source already queued")
	ErrInvalidTarget   = errors.New("task: invalid target")
)

// ErrNotRunning is returned by UpdateExecution when the persisted state left
// Running underneath an executor (paused, removed or cancelled elsewhere).
var ErrNotRunning = errors.New("task: no longer running")

// IsUserError reports whether err is a bad-id / bad-position style error.
func IsUserError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidPosition) ||
		errors.Is(err, ErrDuplicateSource) ||
		errors.Is(err, ErrInvalidTarget)
}
