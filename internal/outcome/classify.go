package outcome

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// PreemptionSignal reports whether the hardware a failed unit ran on is being reclaimed.
type PreemptionSignal func(ctx context.Context) bool

var log = logrus.WithField("component", "classifier")

// Classify decides how a unit that failed with err ended. The checks run in order:
//   - a lost node or a dead, crashed, or unreachable worker is a preemption;
//   - an internal substrate failure is an infrastructure failure;
//   - a task error is a preemption if the hardware is being reclaimed or if the task timed out,
//     and an application error otherwise;
//   - anything else is an application error.
func Classify(ctx context.Context, err error, preempted PreemptionSignal) Outcome {
	var sys *remote.SystemError
	var task *remote.TaskError
	switch {
	case errors.Is(err, remote.ErrNodeDied):
		log.WithError(err).Warn("node died, treating as preempted")
		return Failed(Preempted, err)
	case errors.Is(err, remote.ErrWorkerDied), errors.Is(err, remote.ErrWorkerUnavailable):
		log.WithError(err).Warn("worker died, treating as preempted")
		return Failed(Preempted, err)
	case errors.Is(err, remote.ErrWorkerCrashed):
		log.WithError(err).Warn("worker crashed, treating as preempted")
		return Failed(Preempted, err)
	case errors.As(err, &sys):
		log.WithError(err).Warn("system error")
		return Failed(InfrastructureFailure, err)
	case errors.As(err, &task):
		if preempted != nil && preempted(ctx) {
			log.WithError(err).Warn("task failed while being preempted, treating as preempted")
			return Failed(Preempted, err)
		}
		if IsTimeout(task.Cause) || strings.Contains(err.Error(), "timed out") {
			log.WithError(err).Warn("task timed out, assuming preempted")
			return Failed(Preempted, err)
		}
		log.WithError(err).Error("task failed")
		return Failed(ApplicationError, err)
	default:
		log.WithError(err).Error("unexpected error")
		return Failed(ApplicationError, err)
	}
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
