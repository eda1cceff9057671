// Package orchestrator runs one task on every host of a set of slices until it succeeds, rebuilding
// the slices and retrying when hosts are lost or the task fails.
package orchestrator

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	back "github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/internal/multislice"
	"github.com/determined-ai/slicerun/internal/outcome"
	"github.com/determined-ai/slicerun/internal/pool"
	"github.com/determined-ai/slicerun/internal/workers"
	"github.com/determined-ai/slicerun/pkg/check"
	"github.com/determined-ai/slicerun/pkg/remote"
)

// DefaultPollInterval is how long the orchestrator waits for a result before checking on the
// health of its slices.
const DefaultPollInterval = 10 * time.Second

// maxCapacityPolls caps the wait between attempts that could not get enough slices, in poll
// intervals. The first wait is one poll interval.
const maxCapacityPolls = 30

// RunConfig describes one run. It is not modified while the run is in progress.
type RunConfig struct {
	AcceleratorType      string `json:"accelerator_type"`
	NumSlices            int    `json:"num_slices"`
	MaxPreemptionRetries int    `json:"max_preemption_retries"`
	MaxFailureRetries    int    `json:"max_failure_retries"`
}

// Validate implements the check.Validatable interface.
func (c RunConfig) Validate() []error {
	return []error{
		check.NotEmpty(c.AcceleratorType, "accelerator_type must be set"),
		check.GreaterThan(c.NumSlices, 0, "num_slices must be positive"),
		check.GreaterThanOrEqualTo(c.MaxPreemptionRetries, 0, "max_preemption_retries must not be negative"),
		check.GreaterThanOrEqualTo(c.MaxFailureRetries, 0, "max_failure_retries must not be negative"),
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeouts sets the lifecycle timeouts of the slice and host workers.
func WithTimeouts(t pool.Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

// WithPollInterval sets how often a running attempt checks on its slices. It also paces attempts
// that could not get enough slices.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithClock replaces the clock used to pace polling.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// Orchestrator runs tasks on slices leased from a cluster. Each call to Run builds and drains its
// own slice pool, so runs do not share workers.
type Orchestrator struct {
	// Configuration details. Set in initialization and never modified after.
	timeouts     pool.Timeouts
	pollInterval time.Duration

	// System dependencies. Also set in initialization and never modified after.
	cluster cluster.Cluster
	clock   clockwork.Clock
	log     *logrus.Entry
}

// New returns an orchestrator that leases slices from c.
func New(c cluster.Cluster, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		timeouts:     pool.DefaultTimeouts(),
		pollInterval: DefaultPollInterval,
		cluster:      c,
		clock:        clockwork.NewRealClock(),
		log:          logrus.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type slicePool = pool.Pool[*workers.SliceWorker, workers.SliceInfo]

// run is the state of one call to Run.
type run struct {
	*Orchestrator
	task   remote.Task
	config RunConfig
	slices *slicePool
	log    *logrus.Entry
}

// Run runs task on every host of config.NumSlices slices of config.AcceleratorType and returns
// the results in slice order, then host order. Failed attempts are retried from scratch until one
// of the retry budgets is exceeded, at which point a *BudgetExhaustedError is returned. The
// slices are released when Run returns, however it returns.
func (o *Orchestrator) Run(ctx context.Context, task remote.Task, config RunConfig) (results []any, err error) {
	if task, err = prepareTask(task); err != nil {
		return nil, err
	}
	if err := check.Validate(config); err != nil {
		return nil, errors.Wrap(err, "invalid run config")
	}

	r := o.newRun(task, config)
	defer func() {
		rec := recover()
		if rec != nil {
			r.log.WithField("panic", rec).Errorf(
				"orchestrator bug, releasing slices before crashing: %v\n%s", rec, debug.Stack())
		}
		r.slices.Drain(context.WithoutCancel(ctx))
		if err != nil || rec != nil {
			runsTotal.WithLabelValues("error").Inc()
		} else {
			runsTotal.WithLabelValues("success").Inc()
		}
		if rec != nil {
			panic(rec)
		}
	}()
	return r.loop(ctx)
}

func (o *Orchestrator) newRun(task remote.Task, config RunConfig) *run {
	return &run{
		Orchestrator: o,
		task:         task,
		config:       config,
		slices: pool.New[*workers.SliceWorker, workers.SliceInfo](
			workers.NewSliceProvider(o.cluster, config.AcceleratorType, o.timeouts), o.timeouts),
		log: o.log.WithFields(logrus.Fields{
			"run-id": uuid.New().String(),
			"task":   task.Name,
		}),
	}
}

func prepareTask(task remote.Task) (remote.Task, error) {
	if task.MaxCalls == 0 {
		task.MaxCalls = 1
	}
	if err := check.Validate(task); err != nil {
		return task, errors.Wrapf(err, "invalid task %s", task.Name)
	}
	return task, nil
}

func (r *run) loop(ctx context.Context) ([]any, error) {
	var preemptions, failures int
	var problem error
	pace := r.capacityBackoff()

	for attemptN := 1; ; attemptN++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "run canceled")
		}

		log := r.log.WithField("attempt", attemptN)
		log.Infof("running %s on %d %s slice(s) (%d preemptions, %d failures so far)",
			r.task.Name, r.config.NumSlices, r.config.AcceleratorType, preemptions, failures)

		start := r.clock.Now()
		outcomes, scaled := r.attempt(ctx, log)
		elapsed := r.clock.Since(start)
		attemptsTotal.Inc()
		attemptSeconds.Observe(elapsed.Seconds())
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "run canceled")
		}
		if len(outcomes) == 0 {
			log.Error("attempt produced no outcomes")
			return nil, errors.New("attempt produced no outcomes")
		}

		problem = firstProblem(outcomes)
		switch kinds := countKinds(outcomes); {
		case kinds[outcome.Preempted] > 0 || kinds[outcome.InfrastructureFailure] > 0:
			preemptions++
			retriesTotal.WithLabelValues("preempted").Inc()
			log.WithError(problem).Warnf("attempt was preempted after %s (%d of %d preemptions allowed)",
				took(start, elapsed), preemptions, r.config.MaxPreemptionRetries)
		case kinds[outcome.ApplicationError] > 0:
			failures++
			retriesTotal.WithLabelValues("failed").Inc()
			log.WithError(problem).Warnf("attempt failed after %s (%d of %d failures allowed)",
				took(start, elapsed), failures, r.config.MaxFailureRetries)
		case kinds[outcome.Cancelled] > 0:
			retriesTotal.WithLabelValues("cancelled").Inc()
			log.Warn("attempt was cancelled without a cause, retrying without charging a budget")
		default:
			log.Infof("%s succeeded on every host after %s",
				r.task.Name, took(start, elapsed))
			return values(outcomes), nil
		}

		if preemptions > r.config.MaxPreemptionRetries {
			return nil, exhausted(ErrPreemptedTooManyTimes, preemptions, failures, problem)
		}
		if failures > r.config.MaxFailureRetries {
			return nil, exhausted(ErrFailedTooManyTimes, preemptions, failures, problem)
		}

		if scaled {
			pace.Reset()
			continue
		}
		wait := pace.NextBackOff()
		log.Infof("waiting %s for capacity before the next attempt", wait)
		select {
		case <-r.clock.After(wait):
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "run canceled")
		}
	}
}

// capacityBackoff paces attempts that could not get enough slices, so that a cluster without
// capacity does not burn the preemption budget in a tight loop.
func (r *run) capacityBackoff() *back.ExponentialBackOff {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = r.pollInterval
	bf.MaxInterval = maxCapacityPolls * r.pollInterval
	bf.MaxElapsedTime = 0
	bf.Clock = r.clock
	bf.Reset()
	return bf
}

func took(start time.Time, elapsed time.Duration) string {
	return strings.TrimSpace(humanize.RelTime(start, start.Add(elapsed), "", ""))
}

func exhausted(budget error, preemptions, failures int, cause error) error {
	if cause == nil {
		cause = errors.New("no underlying error was recorded")
	}
	return &BudgetExhaustedError{
		Budget:      budget,
		Preemptions: preemptions,
		Failures:    failures,
		Cause:       cause,
	}
}

// attempt runs the task once on every host of every slice and returns one outcome per host. If
// not enough slices could be had, the single outcome is that failure and scaled is false.
func (r *run) attempt(ctx context.Context, log *logrus.Entry) (outcomes []outcome.Outcome, scaled bool) {
	if err := r.slices.ScaleTo(ctx, r.config.NumSlices); err != nil {
		log.WithError(err).Warn("could not get enough slices, treating as preempted")
		outcomesTotal.WithLabelValues(outcome.Preempted.String()).Inc()
		return []outcome.Outcome{outcome.Failed(outcome.Preempted, err)}, false
	}
	members := r.slices.Members()

	envs := multislice.Envs(members[0].Info.Address, len(members))
	var futures []*remote.Future[any]
	var owners []int
	for i, m := range members {
		hostFutures, err := m.Worker.Dispatch(r.task, envs[i]).Get(ctx)
		if err != nil {
			log.WithError(err).Warnf("failed to dispatch to slice %s", m.Info.Name)
			if !remote.IsSubstrateError(err) {
				err = &remote.SystemError{Err: err}
			}
			hostFutures = make([]*remote.Future[any], m.Info.NumHosts)
			for j := range hostFutures {
				hostFutures[j] = remote.Resolved[any](m.Info.Name, nil, err)
			}
		}
		for _, f := range hostFutures {
			futures = append(futures, f)
			owners = append(owners, i)
		}
	}
	log.Infof("dispatched %s to %d hosts", r.task.Name, len(futures))

	outcomes = make([]outcome.Outcome, len(futures))
	pending := make([]int, len(futures))
	for i := range pending {
		pending[i] = i
	}
	unhealthy := map[int]bool{}
	for {
		// Only futures without an outcome are waited on, otherwise Wait returns at once.
		waiting := make([]*remote.Future[any], len(pending))
		for j, i := range pending {
			waiting[j] = futures[i]
		}
		ready, stillPending, err := remote.Wait(ctx, r.clock, r.pollInterval, waiting)

		failed := false
		for _, j := range ready {
			i := pending[j]
			outcomes[i] = r.settle(ctx, futures[i], members[owners[i]].Worker)
			outcomesTotal.WithLabelValues(outcomes[i].Kind.String()).Inc()
			failed = failed || outcomes[i].Kind != outcome.Success
		}
		remaining := make([]int, len(stillPending))
		for k, j := range stillPending {
			remaining[k] = pending[j]
		}
		pending = remaining

		switch {
		case err != nil:
			log.WithError(err).Warn("stopped waiting for results")
			failed = true
		case len(pending) == 0:
			return outcomes, true
		case !failed:
			unhealthy = r.unhealthySlices(ctx, members, log)
			failed = len(unhealthy) > 0
		}
		if failed {
			r.cancelPending(futures, pending, owners, unhealthy, outcomes, members)
			return outcomes, true
		}
	}
}

// settle classifies a resolved future.
func (r *run) settle(ctx context.Context, f *remote.Future[any], slice *workers.SliceWorker) outcome.Outcome {
	v, err := f.Get(ctx)
	if err == nil {
		return outcome.Succeeded(v)
	}
	return outcome.Classify(ctx, err, r.preemptionSignal(slice))
}

// preemptionSignal asks the slice whether it is being preempted. A slice that can no longer
// answer has certainly lost its hardware.
func (r *run) preemptionSignal(slice *workers.SliceWorker) outcome.PreemptionSignal {
	return func(ctx context.Context) bool {
		preempted, err := slice.Preempted().GetWithin(ctx, r.timeouts.HealthCheck)
		switch {
		case errors.Is(err, remote.ErrWorkerDied):
			return true
		case err != nil:
			r.log.WithError(err).Warn("could not ask slice whether it is preempted")
			return false
		default:
			return preempted
		}
	}
}

// unhealthySlices health-checks every slice concurrently. A slice that does not answer is
// unhealthy.
func (r *run) unhealthySlices(
	ctx context.Context, members []pool.Member[*workers.SliceWorker, workers.SliceInfo], log *logrus.Entry,
) map[int]bool {
	checks := make([]*remote.Future[bool], len(members))
	for i, m := range members {
		checks[i] = m.Worker.Healthy()
	}
	healthy := make([]bool, len(checks))
	errs := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			healthy[i], errs[i] = c.GetWithin(ctx, r.timeouts.HealthCheck)
			return nil
		})
	}
	_ = g.Wait()

	unhealthy := map[int]bool{}
	for i := range members {
		switch {
		case errs[i] != nil:
			log.WithError(errs[i]).Warnf("slice %s did not answer its health check", members[i].Info.Name)
			unhealthy[i] = true
		case !healthy[i]:
			log.Warnf("slice %s is unhealthy", members[i].Info.Name)
			unhealthy[i] = true
		}
	}
	return unhealthy
}

// cancelPending cancels every pending future and records its outcome. The first pending future of
// each unhealthy slice carries the slice's loss; all others are cancelled as a side effect.
func (r *run) cancelPending(
	futures []*remote.Future[any],
	pending []int,
	owners []int,
	unhealthy map[int]bool,
	outcomes []outcome.Outcome,
	members []pool.Member[*workers.SliceWorker, workers.SliceInfo],
) {
	blamed := map[int]bool{}
	for _, i := range pending {
		futures[i].Cancel(true)

		slice := owners[i]
		switch {
		case unhealthy[slice] && !blamed[slice]:
			blamed[slice] = true
			outcomes[i] = outcome.Failed(outcome.Preempted,
				errors.Errorf("slice %s became unhealthy", members[slice].Info.Name))
		default:
			outcomes[i] = outcome.Failed(outcome.Cancelled,
				errors.Errorf("%s was cancelled after a sibling failed", futures[i].Name()))
		}
		outcomesTotal.WithLabelValues(outcomes[i].Kind.String()).Inc()
	}
}

func countKinds(outcomes []outcome.Outcome) map[outcome.Kind]int {
	kinds := map[outcome.Kind]int{}
	for _, o := range outcomes {
		kinds[o.Kind]++
	}
	return kinds
}

// firstProblem is the error of the first outcome, in dispatch order, that was not a success or a
// side-effect cancellation.
func firstProblem(outcomes []outcome.Outcome) error {
	for _, o := range outcomes {
		if o.Kind != outcome.Success && o.Kind != outcome.Cancelled {
			return o.Err
		}
	}
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

func values(outcomes []outcome.Outcome) []any {
	vs := make([]any, len(outcomes))
	for i, o := range outcomes {
		vs[i] = o.Value
	}
	return vs
}
