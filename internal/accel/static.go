package accel

import (
	"context"

	"go.uber.org/atomic"
)

// Static is a platform whose topology is declared up front, for hosts the orchestrator cannot
// interrogate. Preemption is signalled by calling SetPreempted.
type Static struct {
	topology  Topology
	lockfile  string
	preempted atomic.Bool
	queries   atomic.Int64
	removals  atomic.Int64
}

// NewStatic returns a platform that reports topo. If lockfile is non-empty, RemoveLockfile
// removes that local path; otherwise it only counts the request.
func NewStatic(topo Topology, lockfile string) *Static {
	return &Static{topology: topo, lockfile: lockfile}
}

// Topology implements Platform.
func (s *Static) Topology(context.Context) (Topology, error) {
	return s.topology, nil
}

// Preempted implements Platform.
func (s *Static) Preempted(context.Context) (bool, error) {
	s.queries.Inc()
	return s.preempted.Load(), nil
}

// RemoveLockfile implements Platform.
func (s *Static) RemoveLockfile(ctx context.Context) error {
	s.removals.Inc()
	if s.lockfile == "" {
		return nil
	}
	return RemoveLockfile(ctx, s.lockfile)
}

// SetPreempted marks the slice as being reclaimed, or not.
func (s *Static) SetPreempted(preempted bool) {
	s.preempted.Store(preempted)
}

// LockfileRemovals is how many times RemoveLockfile has been called.
func (s *Static) LockfileRemovals() int {
	return int(s.removals.Load())
}

// PreemptionQueries is how many times Preempted has been called.
func (s *Static) PreemptionQueries() int {
	return int(s.queries.Load())
}
