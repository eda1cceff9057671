package workers

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/internal/accel"
	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/pkg/remote"
)

// HostWorker owns one host of a slice. It holds a claim on the host for its whole life and runs
// at most one task there at a time.
type HostWorker struct {
	// Configuration details. Set in initialization and never modified after.
	slice SliceInfo

	// System dependencies. Also set in initialization and never modified after.
	nodes *cluster.NodeSet
	proc  *remote.Process
	log   *logrus.Entry

	// Internal state. Only touched by calls running on proc.
	node    *cluster.Node
	info    *HostInfo
	running *remote.Future[any]
}

func newHostWorker(slice SliceInfo, nodes *cluster.NodeSet, id int) *HostWorker {
	name := fmt.Sprintf("host-%s-%d", slice.Name, id)
	return &HostWorker{
		slice: slice,
		nodes: nodes,
		proc:  remote.Spawn(name),
		log: logrus.WithFields(logrus.Fields{
			"component": "host-worker",
			"slice":     slice.Name,
		}),
	}
}

// HostInfo claims a host of the slice, waiting for one to free up if necessary, and describes it.
// The answer is computed once.
func (h *HostWorker) HostInfo() *remote.Future[HostInfo] {
	return remote.Submit(h.proc, "host_info", h.hostInfo)
}

// Dispatch launches task on the host with env layered over the task's own environment. Any task
// this worker launched earlier is canceled first. The outer future resolves once the task is
// launched; the inner one when it finishes.
func (h *HostWorker) Dispatch(task remote.Task, env map[string]string) *remote.Future[*remote.Future[any]] {
	return remote.Submit(h.proc, "dispatch", func(ctx context.Context) (*remote.Future[any], error) {
		return h.dispatch(ctx, task, env)
	})
}

// Healthy implements pool.Worker. A host is healthy unless it is being preempted.
func (h *HostWorker) Healthy() *remote.Future[bool] {
	return remote.Submit(h.proc, "healthy", func(ctx context.Context) (bool, error) {
		if h.node == nil {
			return true, nil
		}
		return !accel.Preempted(ctx, h.node.Platform), nil
	})
}

// Teardown implements pool.Worker. It cancels the running task, if any.
func (h *HostWorker) Teardown() *remote.Future[struct{}] {
	return remote.Submit(h.proc, "teardown", func(context.Context) (struct{}, error) {
		h.cancelRunning()
		h.info = nil
		return struct{}{}, nil
	})
}

// Terminate implements pool.Worker.
func (h *HostWorker) Terminate() *remote.Future[struct{}] {
	return h.proc.Terminate()
}

// Kill implements pool.Worker.
func (h *HostWorker) Kill() {
	h.proc.Kill()
}

func (h *HostWorker) hostInfo(ctx context.Context) (HostInfo, error) {
	if h.info != nil {
		return *h.info, nil
	}
	if h.node == nil {
		node, release, err := h.nodes.Claim(ctx)
		if err != nil {
			return HostInfo{}, errors.Wrapf(err, "claiming a host of %s", h.slice.Name)
		}
		h.proc.OnKill(release)
		h.node = &node
		h.log = h.log.WithField("worker-index", node.Index)
	}
	h.info = &HostInfo{
		Slice:       h.slice.Name,
		WorkerIndex: h.node.Index,
		NodeID:      h.node.ID,
		Chips:       h.slice.ChipsPerHost,
	}
	return *h.info, nil
}

func (h *HostWorker) dispatch(
	ctx context.Context, task remote.Task, env map[string]string,
) (*remote.Future[any], error) {
	if h.info == nil {
		return nil, ErrNotReady
	}
	h.cancelRunning()
	if err := h.node.Platform.RemoveLockfile(ctx); err != nil {
		h.log.WithError(err).Warn("failed to remove accelerator lockfile")
	}

	h.running = remote.Launch(task, remote.Placement{
		Slice:       h.info.Slice,
		WorkerIndex: h.info.WorkerIndex,
		NodeID:      h.info.NodeID,
		Address:     h.node.Address,
		Chips:       h.info.Chips,
		Env:         remote.MergeEnv(task.Env, env),
	})
	h.log.Debugf("launched %s", task.Name)
	return h.running, nil
}

func (h *HostWorker) cancelRunning() {
	if h.running == nil {
		return
	}
	h.running.Cancel(true)
	h.running = nil
}

// hostProvider adapts HostWorkers to a pool. It remembers every worker it created so that they
// can all be killed along with their slice.
type hostProvider struct {
	slice SliceInfo
	nodes *cluster.NodeSet

	mu      sync.Mutex
	created []*HostWorker
}

func (p *hostProvider) Kind() string     { return "host" }
func (p *hostProvider) PoolName() string { return "slice " + p.slice.Name }

func (p *hostProvider) MemberName(info HostInfo) string {
	return strconv.Itoa(info.WorkerIndex)
}

func (p *hostProvider) Create() (*HostWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := newHostWorker(p.slice, p.nodes, len(p.created))
	p.created = append(p.created, w)
	return w, nil
}

func (p *hostProvider) Info(w *HostWorker) *remote.Future[HostInfo] {
	return w.HostInfo()
}

func (p *hostProvider) killAll() {
	p.mu.Lock()
	created := p.created
	p.created = nil
	p.mu.Unlock()
	for _, w := range created {
		w.Kill()
	}
}
