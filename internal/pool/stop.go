package pool

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// StopWorker shuts a worker down: a graceful teardown, then a queued termination, each bounded by
// its timeout, and finally a forced kill that always happens. A worker that is already gone or
// does not answer in time is not an error; anything else the worker reports is returned.
func StopWorker(ctx context.Context, w Worker, timeouts Timeouts) error {
	defer w.Kill()

	if _, err := w.Teardown().GetWithin(ctx, timeouts.Teardown); err != nil {
		return tolerateStopError(err, "teardown")
	}
	if _, err := w.Terminate().GetWithin(ctx, timeouts.Terminate); err != nil {
		return tolerateStopError(err, "terminate")
	}
	return nil
}

func tolerateStopError(err error, step string) error {
	switch {
	case errors.Is(err, remote.ErrWorkerDied):
		return nil
	case errors.Is(err, remote.ErrGetTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		logrus.WithField("component", "pool").WithError(err).
			Warnf("worker did not finish %s in time, killing it", step)
		return nil
	default:
		return errors.Wrapf(err, "worker %s", step)
	}
}
