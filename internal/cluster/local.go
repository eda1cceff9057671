package cluster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/determined-ai/slicerun/internal/accel"
)

// NewLocal returns a cluster made of the slice this process runs on, which satisfies any
// accelerator type. On a TPU VM the slice is described by the metadata server and spans every
// host it lists; this host is reached through the local docker daemon and its peers through their
// endpoints, with remover clearing their lockfiles. Elsewhere it is a single host claiming the
// given number of chips.
func NewLocal(ctx context.Context, chips int, remover LockfileRemover) (*Static, error) {
	var (
		platform  accel.Platform
		nodeID    string
		index     int
		endpoints []string
		err       error
	)
	if accel.OnTPUVM() {
		mp := accel.NewMetadataPlatform()
		if index, err = mp.WorkerIndex(); err != nil {
			return nil, err
		}
		if nodeID, err = mp.NodeID(); err != nil {
			return nil, errors.Wrap(err, "reading instance id")
		}
		endpoints = mp.Endpoints()
		platform = mp
	} else {
		hp := accel.NewHostPlatform(chips)
		if nodeID, err = hp.NodeID(); err != nil {
			return nil, err
		}
		platform = hp
	}

	topo, err := platform.Topology(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "describing the local slice")
	}
	self := Node{ID: nodeID, Slice: topo.Name, Index: index, Platform: platform}
	hosts, err := localNodes(topo, self, endpoints, remover)
	if err != nil {
		return nil, err
	}

	c := newStatic()
	c.slots = append(c.slots, &slot{name: topo.Name, platform: platform, hosts: hosts})
	c.log.Infof("local slice %s (%s) of %d host(s), this one is node %s",
		topo.Name, topo.AcceleratorType, len(hosts), nodeID)
	return c, nil
}

// localNodes lays out every host of the local slice in worker order. self keeps an empty address,
// which means the local docker daemon.
func localNodes(topo accel.Topology, self Node, endpoints []string, remover LockfileRemover) ([]Node, error) {
	self.Address = ""
	if topo.NumHosts <= 1 {
		return []Node{self}, nil
	}
	switch {
	case len(endpoints) < topo.NumHosts:
		return nil, errors.Errorf("local slice %s has %d hosts but the metadata server lists %d endpoints",
			topo.Name, topo.NumHosts, len(endpoints))
	case self.Index < 0 || self.Index >= topo.NumHosts:
		return nil, errors.Errorf("worker index %d is out of range for the %d hosts of local slice %s",
			self.Index, topo.NumHosts, topo.Name)
	}

	nodes := make([]Node, topo.NumHosts)
	for i := range nodes {
		if i == self.Index {
			nodes[i] = self
			continue
		}
		addr := endpoints[i]
		platform := self.Platform
		if remover != nil {
			platform = accel.WithLockfileRemover(self.Platform, func(ctx context.Context) error {
				return remover(ctx, addr)
			})
		}
		nodes[i] = Node{
			ID:       fmt.Sprintf("%s-%d", topo.Name, i),
			Slice:    topo.Name,
			Index:    i,
			Address:  addr,
			Platform: platform,
		}
	}
	return nodes, nil
}
