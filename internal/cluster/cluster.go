// Package cluster hands out exclusive leases on TPU slices and describes their hosts.
package cluster

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/determined-ai/slicerun/internal/accel"
)

// ErrNoSuchAcceleratorType is returned when a cluster can never satisfy a request.
var ErrNoSuchAcceleratorType = errors.New("cluster has no slices of the requested accelerator type")

// Node is one host of a leased slice.
type Node struct {
	ID      string
	Slice   string
	Index   int
	Address string
	// Platform is the runtime view from this host.
	Platform accel.Platform
}

// Lease is exclusive use of one slice. It lasts until Release is called.
type Lease interface {
	// Name is the slice's name.
	Name() string
	// Platform is the runtime view of the whole slice.
	Platform() accel.Platform
	// Hosts lists the slice's hosts in worker order.
	Hosts(ctx context.Context) ([]Node, error)
	// Release gives the slice back. Calls after the first are no-ops.
	Release()
}

// Cluster is a source of slices.
type Cluster interface {
	// AcquireSlice blocks until a slice of the given accelerator type can be leased, or ctx ends.
	AcquireSlice(ctx context.Context, acceleratorType string) (Lease, error)
}

// LockfileRemover clears the accelerator lockfile on the host at address.
type LockfileRemover func(ctx context.Context, address string) error

// NodeSet hands out exclusive claims on a fixed set of hosts.
type NodeSet struct {
	mu      sync.Mutex
	nodes   []Node
	claimed []bool
	changed chan struct{}
}

// NewNodeSet returns a set over nodes, all unclaimed.
func NewNodeSet(nodes []Node) *NodeSet {
	return &NodeSet{
		nodes:   nodes,
		claimed: make([]bool, len(nodes)),
		changed: make(chan struct{}),
	}
}

// Len is the number of nodes in the set.
func (s *NodeSet) Len() int {
	return len(s.nodes)
}

// Claim blocks until some node is free, then claims it. The returned function gives the claim
// back; calls after the first are no-ops.
func (s *NodeSet) Claim(ctx context.Context) (Node, func(), error) {
	for {
		s.mu.Lock()
		for i := range s.nodes {
			if !s.claimed[i] {
				s.claimed[i] = true
				s.mu.Unlock()
				var once sync.Once
				return s.nodes[i], func() { once.Do(func() { s.unclaim(i) }) }, nil
			}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Node{}, nil, ctx.Err()
		}
	}
}

func (s *NodeSet) unclaim(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed[i] = false
	close(s.changed)
	s.changed = make(chan struct{})
}
