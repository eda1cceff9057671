package orchestrator

import (
	"context"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// Retry budgets of the convenience entry points.
const (
	DefaultMaxPreemptionRetries   = 10000
	ResumableMaxPreemptionRetries = 1_000_000
	DefaultMaxFailureRetries      = 10
)

// RunOnPod runs task on every host of one slice, retrying through preemptions and a few failures.
func (o *Orchestrator) RunOnPod(ctx context.Context, task remote.Task, acceleratorType string) ([]any, error) {
	return o.Run(ctx, task, RunConfig{
		AcceleratorType:      acceleratorType,
		NumSlices:            1,
		MaxPreemptionRetries: DefaultMaxPreemptionRetries,
		MaxFailureRetries:    DefaultMaxFailureRetries,
	})
}

// RunOnPodResumable is RunOnPod for tasks that checkpoint and resume, which can afford to be
// preempted practically without limit.
func (o *Orchestrator) RunOnPodResumable(
	ctx context.Context, task remote.Task, acceleratorType string,
) ([]any, error) {
	return o.Run(ctx, task, RunConfig{
		AcceleratorType:      acceleratorType,
		NumSlices:            1,
		MaxPreemptionRetries: ResumableMaxPreemptionRetries,
		MaxFailureRetries:    DefaultMaxFailureRetries,
	})
}

// RunMultislice runs task once across numSlices slices without retrying.
func (o *Orchestrator) RunMultislice(
	ctx context.Context, task remote.Task, acceleratorType string, numSlices int,
) ([]any, error) {
	return o.Run(ctx, task, RunConfig{
		AcceleratorType: acceleratorType,
		NumSlices:       numSlices,
	})
}

// RunMultisliceResumable runs task across numSlices slices, retrying through preemptions and a few
// failures.
func (o *Orchestrator) RunMultisliceResumable(
	ctx context.Context, task remote.Task, acceleratorType string, numSlices int,
) ([]any, error) {
	return o.Run(ctx, task, RunConfig{
		AcceleratorType:      acceleratorType,
		NumSlices:            numSlices,
		MaxPreemptionRetries: ResumableMaxPreemptionRetries,
		MaxFailureRetries:    DefaultMaxFailureRetries,
	})
}
