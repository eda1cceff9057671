package remote

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors surfaced by the execution substrate itself, as opposed to errors raised by task code.
var (
	// ErrNodeDied is returned when the host a call or task was placed on went away.
	ErrNodeDied = errors.New("node died")
	// ErrWorkerCrashed is returned when a worker process crashed while serving a call.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrWorkerDied is returned for calls to a worker process that has exited or been killed.
	ErrWorkerDied = errors.New("worker died")
	// ErrWorkerUnavailable is returned when a worker process cannot currently be reached.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrGetTimeout is returned when waiting on a future exceeds its deadline.
	ErrGetTimeout = errors.New("timed out waiting for result")
)

// SystemError is an internal failure of the scheduler or substrate that is not attributable to
// the loss of a host.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SystemError) Unwrap() error {
	return e.Err
}

// TaskError is raised when dispatched task code fails. Trace holds the original error formatted
// with its stack so the cause survives crossing a process boundary.
type TaskError struct {
	Task  string
	Cause error
	Trace string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Task, e.Cause)
}

// Unwrap returns the error raised by the task.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// IsSubstrateError reports whether err came from the substrate rather than from task code.
func IsSubstrateError(err error) bool {
	var sys *SystemError
	switch {
	case errors.Is(err, ErrNodeDied),
		errors.Is(err, ErrWorkerCrashed),
		errors.Is(err, ErrWorkerDied),
		errors.Is(err, ErrWorkerUnavailable):
		return true
	case errors.As(err, &sys):
		return true
	default:
		return false
	}
}

// AsTaskError wraps an error raised by task code in a TaskError. Substrate errors and errors that
// are already TaskErrors are returned unchanged.
func AsTaskError(task string, err error) error {
	if err == nil || IsSubstrateError(err) {
		return err
	}
	var te *TaskError
	if errors.As(err, &te) {
		return err
	}
	return &TaskError{Task: task, Cause: err, Trace: fmt.Sprintf("%+v", err)}
}
