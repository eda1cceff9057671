// Package pool keeps a set of long-lived workers at a target size, replacing the ones that fail
// their health checks.
package pool

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// Worker is the control surface every pooled worker exposes.
type Worker interface {
	// Healthy answers whether the worker can still do useful work.
	Healthy() *remote.Future[bool]
	// Teardown releases whatever the worker holds, leaving it able to exit cleanly.
	Teardown() *remote.Future[struct{}]
	// Terminate queues a graceful exit behind the worker's pending calls.
	Terminate() *remote.Future[struct{}]
	// Kill stops the worker immediately.
	Kill()
}

// Provider supplies the worker-kind specific half of pool management.
type Provider[W Worker, I any] interface {
	// Kind is a short, low-cardinality name for the kind of worker, like "slice".
	Kind() string
	// PoolName names the pool in logs.
	PoolName() string
	// MemberName names a member from its reported info.
	MemberName(info I) string
	// Create starts a new worker. It must not wait for the worker to become ready.
	Create() (W, error)
	// Info asks a worker to report its info. The answer comes once the worker has acquired its
	// hardware, which may take a long time.
	Info(w W) *remote.Future[I]
}

// Member is a started worker and the info it reported.
type Member[W Worker, I any] struct {
	Worker W
	Info   I
}

// Timeouts bound each step of a worker's lifecycle.
type Timeouts struct {
	HealthCheck time.Duration
	Teardown    time.Duration
	Terminate   time.Duration
	Start       time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HealthCheck: 60 * time.Second,
		Teardown:    300 * time.Second,
		Terminate:   300 * time.Second,
		Start:       7 * 24 * time.Hour,
	}
}

// Pool is a set of workers of one kind. It is owned by a single caller and is not safe for
// concurrent use.
type Pool[W Worker, I any] struct {
	// Configuration details. Set in initialization and never modified after.
	timeouts Timeouts

	// System dependencies. Also set in initialization and never modified after.
	provider Provider[W, I]
	log      *logrus.Entry

	// Internal state.
	members []Member[W, I]
}

// New returns an empty pool.
func New[W Worker, I any](provider Provider[W, I], timeouts Timeouts) *Pool[W, I] {
	return &Pool[W, I]{
		timeouts: timeouts,
		provider: provider,
		log: logrus.WithFields(logrus.Fields{
			"component": "pool",
			"pool":      provider.PoolName(),
		}),
	}
}

// Members returns the current members in the order they joined.
func (p *Pool[W, I]) Members() []Member[W, I] {
	return append([]Member[W, I](nil), p.members...)
}

// Len is the number of members.
func (p *Pool[W, I]) Len() int {
	return len(p.members)
}

// ScaleTo removes unhealthy members and then brings the pool to exactly n members. Workers that
// fail to start are stopped and dropped. If fewer than n members are healthy at the end, the
// pool keeps what it has and returns ErrInsufficientCapacity.
func (p *Pool[W, I]) ScaleTo(ctx context.Context, n int) error {
	p.pruneUnhealthy(ctx)
	switch {
	case len(p.members) > n:
		p.shrink(ctx, n)
	case len(p.members) < n:
		p.grow(ctx, n)
	}
	poolMembers.WithLabelValues(p.provider.Kind()).Set(float64(len(p.members)))

	if len(p.members) < n {
		return ErrInsufficientCapacity{Pool: p.provider.PoolName(), Wanted: n, Got: len(p.members)}
	}
	return nil
}

// Drain stops every member. Errors from individual workers are logged, not returned, and the pool
// is empty afterwards either way. Draining an empty pool does nothing.
func (p *Pool[W, I]) Drain(ctx context.Context) {
	if len(p.members) == 0 {
		return
	}
	p.log.Infof("draining %s", p.names())

	var merr *multierror.Error
	for _, m := range p.members {
		name := p.provider.MemberName(m.Info)
		if err := StopWorker(ctx, m.Worker, p.timeouts); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "stopping %s", name))
		}
	}
	p.members = nil
	poolMembers.WithLabelValues(p.provider.Kind()).Set(0)

	if err := merr.ErrorOrNil(); err != nil {
		p.log.WithError(err).Warn("errors while draining pool")
	}
}

func (p *Pool[W, I]) pruneUnhealthy(ctx context.Context) {
	if len(p.members) == 0 {
		return
	}

	checks := make([]*remote.Future[bool], len(p.members))
	for i, m := range p.members {
		checks[i] = m.Worker.Healthy()
	}
	healthy := make([]bool, len(checks))
	errs := make([]error, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			healthy[i], errs[i] = check.GetWithin(ctx, p.timeouts.HealthCheck)
			return nil
		})
	}
	_ = g.Wait()

	var kept []Member[W, I]
	for i, m := range p.members {
		name := p.provider.MemberName(m.Info)
		switch {
		case errs[i] != nil:
			p.log.WithError(errs[i]).Warnf("%s did not answer its health check, removing it", name)
		case !healthy[i]:
			p.log.Warnf("%s is unhealthy, removing it", name)
		default:
			kept = append(kept, m)
			continue
		}
		poolPruned.WithLabelValues(p.provider.Kind()).Inc()
		if err := StopWorker(ctx, m.Worker, p.timeouts); err != nil {
			p.log.WithError(err).Warnf("error stopping %s", name)
		}
	}
	if len(kept) != len(p.members) {
		p.log.Infof("%d of %d members were healthy", len(kept), len(p.members))
	}
	p.members = kept
}

func (p *Pool[W, I]) shrink(ctx context.Context, n int) {
	p.log.Infof("pool has %d members, stopping %d", len(p.members), len(p.members)-n)
	surplus := p.members[n:]
	p.members = p.members[:n]
	for i := len(surplus) - 1; i >= 0; i-- {
		if err := StopWorker(ctx, surplus[i].Worker, p.timeouts); err != nil {
			p.log.WithError(err).Warnf("error stopping %s", p.provider.MemberName(surplus[i].Info))
		}
	}
}

func (p *Pool[W, I]) grow(ctx context.Context, n int) {
	want := n - len(p.members)
	p.log.Infof("pool has %d members, starting %d more", len(p.members), want)

	type starting struct {
		worker W
		info   *remote.Future[I]
	}
	var started []starting
	for i := 0; i < want; i++ {
		w, err := p.provider.Create()
		if err != nil {
			p.log.WithError(err).Warn("failed to create worker")
			poolStarts.WithLabelValues(p.provider.Kind(), "error").Inc()
			continue
		}
		started = append(started, starting{worker: w, info: p.provider.Info(w)})
	}

	infos := make([]I, len(started))
	errs := make([]error, len(started))
	var g errgroup.Group
	for i, s := range started {
		g.Go(func() error {
			infos[i], errs[i] = s.info.GetWithin(ctx, p.timeouts.Start)
			return nil
		})
	}
	_ = g.Wait()

	for i, s := range started {
		if errs[i] != nil {
			p.log.WithError(errs[i]).Warn("worker failed to start")
			poolStarts.WithLabelValues(p.provider.Kind(), "error").Inc()
			if err := StopWorker(ctx, s.worker, p.timeouts); err != nil {
				p.log.WithError(err).Warn("error stopping worker that failed to start")
			}
			continue
		}
		poolStarts.WithLabelValues(p.provider.Kind(), "ok").Inc()
		p.members = append(p.members, Member[W, I]{Worker: s.worker, Info: infos[i]})
		p.log.Infof("%s started", p.provider.MemberName(infos[i]))
	}
}

func (p *Pool[W, I]) names() string {
	names := make([]string, 0, len(p.members))
	for _, m := range p.members {
		names = append(names, p.provider.MemberName(m.Info))
	}
	return "[" + strings.Join(names, ", ") + "]"
}
