// Package accel reports what the accelerator runtime knows about a TPU host: the slice it belongs
// to, whether it is being preempted, and the lock the runtime leaves behind.
package accel

import (
	"context"
)

// Topology describes the slice a host belongs to.
type Topology struct {
	// Name is the slice name; it is unique within a cluster.
	Name            string
	AcceleratorType string
	NumHosts        int
	ChipsPerHost    int
	// Address is the IP address of the slice's first host.
	Address string
}

// Platform is a view of the accelerator runtime on a slice or one of its hosts.
type Platform interface {
	// Topology describes the slice.
	Topology(ctx context.Context) (Topology, error)
	// Preempted reports whether the hardware is being reclaimed.
	Preempted(ctx context.Context) (bool, error)
	// RemoveLockfile clears the accelerator runtime's lock left behind by an earlier process.
	RemoveLockfile(ctx context.Context) error
}

// Preempted asks p whether it is being preempted, treating an unanswerable question as "no".
func Preempted(ctx context.Context, p Platform) bool {
	preempted, err := p.Preempted(ctx)
	if err != nil {
		log.WithError(err).Debug("failed to query preemption status, assuming not preempted")
		return false
	}
	return preempted
}

// WithLockfileRemover returns p with RemoveLockfile replaced by remove. Clusters use it when the
// runtime's filesystem is only reachable through some other channel.
func WithLockfileRemover(p Platform, remove func(ctx context.Context) error) Platform {
	return lockfileOverride{Platform: p, remove: remove}
}

type lockfileOverride struct {
	Platform
	remove func(ctx context.Context) error
}

func (l lockfileOverride) RemoveLockfile(ctx context.Context) error {
	return l.remove(ctx)
}
