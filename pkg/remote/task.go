package remote

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Placement pins one launch of a task to a host.
type Placement struct {
	Slice       string
	WorkerIndex int
	NodeID      string
	Address     string
	Chips       int
	Env         map[string]string
}

// TaskFunc is the body of a task. It runs once per host per attempt.
type TaskFunc func(ctx context.Context, p Placement) (any, error)

// Task is a zero-argument unit of work dispatched to every host of every slice.
type Task struct {
	Name string
	// MaxCalls bounds how many invocations a single worker may serve. Only one is supported, so
	// that nothing a previous run left behind in the worker leaks into the next one. Zero means
	// unset and is treated as one.
	MaxCalls int
	// Env is the base environment. Coordination variables are layered over it.
	Env map[string]string
	Run TaskFunc
}

// NewTask returns a task that runs fn.
func NewTask(name string, fn TaskFunc) Task {
	return Task{Name: name, MaxCalls: 1, Run: fn}
}

// Validate implements the check.Validatable interface.
func (t Task) Validate() []error {
	var errs []error
	if t.Run == nil {
		errs = append(errs, errors.New("task has no body"))
	}
	if t.MaxCalls != 0 && t.MaxCalls != 1 {
		errs = append(errs, errors.Errorf(
			"task %s must run at most once per worker, but max calls is %d", t.Name, t.MaxCalls))
	}
	return errs
}

// Launch starts one run of the task at the given placement and returns a future for its result.
// Cancelling the future cancels the run's context; a run that ignores its context keeps going.
// Errors raised by the task body are returned as TaskErrors.
func Launch(t Task, p Placement) *Future[any] {
	f := NewFuture[any](fmt.Sprintf("%s@%s", t.Name, p.NodeID))
	ctx, cancel := context.WithCancel(context.Background())
	f.OnCancel(func(bool) { cancel() })
	go func() {
		defer cancel()
		f.Resolve(runTask(ctx, t, p))
	}()
	return f
}

func runTask(ctx context.Context, t Task, p Placement) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v, err = nil, &TaskError{
				Task:  t.Name,
				Cause: errors.Errorf("panic: %v", rec),
				Trace: string(debug.Stack()),
			}
		}
	}()
	v, err = t.Run(ctx, p)
	if err != nil {
		return nil, AsTaskError(t.Name, err)
	}
	return v, nil
}

// MergeEnv returns base overlaid with overlay. Neither input is modified.
func MergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	maps.Copy(merged, base)
	maps.Copy(merged, overlay)
	return merged
}
