package workers

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/slicerun/internal/accel"
	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/internal/pool"
	"github.com/determined-ai/slicerun/pkg/remote"
)

var sliceWorkerIDs atomic.Int64

// SliceWorker owns one leased slice and a pool of HostWorkers, one per host. The slice is leased
// on the first SliceInfo call and released when the worker dies.
type SliceWorker struct {
	// Configuration details. Set in initialization and never modified after.
	acceleratorType string
	timeouts        pool.Timeouts

	// System dependencies. Also set in initialization and never modified after.
	cluster cluster.Cluster
	proc    *remote.Process
	log     *logrus.Entry

	// Internal state. Only touched by calls running on proc, except failed.
	lease  cluster.Lease
	info   *SliceInfo
	hosts  *pool.Pool[*HostWorker, HostInfo]
	failed atomic.Bool
}

// NewSliceWorker starts a worker that will lease a slice of the given type from c.
func NewSliceWorker(c cluster.Cluster, acceleratorType string, timeouts pool.Timeouts) *SliceWorker {
	name := fmt.Sprintf("slice-%s-%d", acceleratorType, sliceWorkerIDs.Inc())
	return &SliceWorker{
		acceleratorType: acceleratorType,
		timeouts:        timeouts,
		cluster:         c,
		proc:            remote.Spawn(name),
		log: logrus.WithFields(logrus.Fields{
			"component": "slice-worker",
			"worker":    name,
		}),
	}
}

// SliceInfo leases a slice, waiting for one if none is free, discovers its topology, and starts
// a HostWorker on every host. The answer is computed once.
func (s *SliceWorker) SliceInfo() *remote.Future[SliceInfo] {
	return remote.Submit(s.proc, "slice_info", s.sliceInfo)
}

// Dispatch launches task on every host of the slice, with env layered over the task's own
// environment, and returns one future per host in worker order.
func (s *SliceWorker) Dispatch(
	task remote.Task, env map[string]string,
) *remote.Future[[]*remote.Future[any]] {
	return remote.Submit(s.proc, "dispatch", func(ctx context.Context) ([]*remote.Future[any], error) {
		return s.dispatch(ctx, task, env)
	})
}

// Preempted reports whether the slice is being reclaimed.
func (s *SliceWorker) Preempted() *remote.Future[bool] {
	return remote.Submit(s.proc, "preempted", func(ctx context.Context) (bool, error) {
		return s.preempted(ctx), nil
	})
}

// Healthy implements pool.Worker. A slice is healthy unless it failed to set itself up or is
// being preempted.
func (s *SliceWorker) Healthy() *remote.Future[bool] {
	return remote.Submit(s.proc, "healthy", func(ctx context.Context) (bool, error) {
		return !s.failed.Load() && !s.preempted(ctx), nil
	})
}

// Teardown implements pool.Worker. It stops every HostWorker but keeps the lease.
func (s *SliceWorker) Teardown() *remote.Future[struct{}] {
	return remote.Submit(s.proc, "teardown", func(ctx context.Context) (struct{}, error) {
		if s.hosts != nil {
			s.hosts.Drain(ctx)
		}
		s.info = nil
		return struct{}{}, nil
	})
}

// Terminate implements pool.Worker.
func (s *SliceWorker) Terminate() *remote.Future[struct{}] {
	return s.proc.Terminate()
}

// Kill implements pool.Worker.
func (s *SliceWorker) Kill() {
	s.proc.Kill()
}

func (s *SliceWorker) preempted(ctx context.Context) bool {
	if s.lease == nil {
		return false
	}
	return accel.Preempted(ctx, s.lease.Platform())
}

func (s *SliceWorker) sliceInfo(ctx context.Context) (SliceInfo, error) {
	if s.info != nil {
		return *s.info, nil
	}

	if s.lease == nil {
		lease, err := s.cluster.AcquireSlice(ctx, s.acceleratorType)
		if err != nil {
			return SliceInfo{}, errors.Wrapf(err, "leasing a %s slice", s.acceleratorType)
		}
		s.lease = lease
		s.proc.OnKill(lease.Release)
		s.log = s.log.WithField("slice", lease.Name())
		s.log.Info("leased slice")
	}

	topo, err := s.lease.Platform().Topology(ctx)
	if err != nil {
		s.failed.Store(true)
		return SliceInfo{}, errors.Wrapf(err, "discovering topology of %s", s.lease.Name())
	}
	info := SliceInfo{
		Name:         topo.Name,
		NumHosts:     topo.NumHosts,
		ChipsPerHost: topo.ChipsPerHost,
		Address:      topo.Address,
	}

	if s.hosts == nil {
		nodes, err := s.lease.Hosts(ctx)
		if err != nil {
			s.failed.Store(true)
			return SliceInfo{}, errors.Wrapf(err, "listing hosts of %s", info.Name)
		}
		if len(nodes) < info.NumHosts {
			s.failed.Store(true)
			return SliceInfo{}, errors.Errorf(
				"%s should have %d hosts but only %d are known", info.Name, info.NumHosts, len(nodes))
		}
		provider := &hostProvider{slice: info, nodes: cluster.NewNodeSet(nodes)}
		s.proc.OnKill(provider.killAll)
		s.hosts = pool.New[*HostWorker, HostInfo](provider, s.timeouts)
	}
	if err := s.hosts.ScaleTo(ctx, info.NumHosts); err != nil {
		s.failed.Store(true)
		return SliceInfo{}, errors.Wrapf(err, "starting host workers on %s", info.Name)
	}

	s.info = &info
	s.log.Infof("slice ready: %s", info)
	return info, nil
}

func (s *SliceWorker) dispatch(
	ctx context.Context, task remote.Task, env map[string]string,
) ([]*remote.Future[any], error) {
	if s.info == nil || s.hosts == nil || s.hosts.Len() < s.info.NumHosts {
		return nil, ErrNotReady
	}

	members := s.hosts.Members()
	slices.SortFunc(members, func(a, b pool.Member[*HostWorker, HostInfo]) int {
		return a.Info.WorkerIndex - b.Info.WorkerIndex
	})

	launches := make([]*remote.Future[*remote.Future[any]], len(members))
	for i, m := range members {
		launches[i] = m.Worker.Dispatch(task, env)
	}
	futures := make([]*remote.Future[any], 0, len(launches))
	for i, launch := range launches {
		f, err := launch.Get(ctx)
		if err != nil {
			s.failed.Store(true)
			for _, started := range futures {
				started.Cancel(true)
			}
			return nil, errors.Wrapf(err, "launching on host %d of %s", members[i].Info.WorkerIndex, s.info.Name)
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// SliceProvider adapts SliceWorkers to a pool.
type SliceProvider struct {
	cluster         cluster.Cluster
	acceleratorType string
	timeouts        pool.Timeouts
}

// NewSliceProvider returns a provider of slices of the given type.
func NewSliceProvider(c cluster.Cluster, acceleratorType string, timeouts pool.Timeouts) *SliceProvider {
	return &SliceProvider{cluster: c, acceleratorType: acceleratorType, timeouts: timeouts}
}

// Kind implements pool.Provider.
func (p *SliceProvider) Kind() string { return "slice" }

// PoolName implements pool.Provider.
func (p *SliceProvider) PoolName() string { return p.acceleratorType + " slices" }

// MemberName implements pool.Provider.
func (p *SliceProvider) MemberName(info SliceInfo) string { return info.Name }

// Create implements pool.Provider.
func (p *SliceProvider) Create() (*SliceWorker, error) {
	return NewSliceWorker(p.cluster, p.acceleratorType, p.timeouts), nil
}

// Info implements pool.Provider.
func (p *SliceProvider) Info(w *SliceWorker) *remote.Future[SliceInfo] {
	return w.SliceInfo()
}
