package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tpu "google.golang.org/api/tpu/v2"

	"github.com/determined-ai/slicerun/internal/accel"
)

func twoSlices() []SliceSpec {
	return []SliceSpec{
		{Name: "slice-a", AcceleratorType: "v4-16", Hosts: []string{"10.0.0.1", "10.0.0.2"}},
		{Name: "slice-b", AcceleratorType: "v4-16", Hosts: []string{"10.0.1.1", "10.0.1.2"}},
	}
}

func TestStaticAcquireRelease(t *testing.T) {
	ctx := context.Background()
	c := NewStatic(twoSlices(), nil)

	a, err := c.AcquireSlice(ctx, "v4-16")
	require.NoError(t, err)
	b, err := c.AcquireSlice(ctx, "v4-16")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"slice-a", "slice-b"}, []string{a.Name(), b.Name()})
	require.Len(t, c.Leased(), 2)

	hosts, err := a.Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	require.Equal(t, 1, hosts[1].Index)
	require.Equal(t, a.Name(), hosts[0].Slice)

	topo, err := a.Platform().Topology(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, topo.NumHosts)
	require.Equal(t, accel.DefaultChipsPerHost, topo.ChipsPerHost)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.AcquireSlice(waitCtx, "v4-16")
	require.ErrorIs(t, err, context.DeadlineExceeded, "all slices are leased")

	got := make(chan Lease)
	go func() {
		l, err := c.AcquireSlice(ctx, "v4-16")
		require.NoError(t, err)
		got <- l
	}()
	a.Release()
	a.Release()
	require.Equal(t, a.Name(), (<-got).Name())
}

func TestStaticUnknownType(t *testing.T) {
	c := NewStatic(twoSlices(), nil)
	_, err := c.AcquireSlice(context.Background(), "v5p-8")
	require.ErrorIs(t, err, ErrNoSuchAcceleratorType)
}

func TestStaticPreemptionAndLockfiles(t *testing.T) {
	ctx := context.Background()
	var removed []string
	c := NewStatic(twoSlices()[:1], func(_ context.Context, address string) error {
		removed = append(removed, address)
		return nil
	})

	lease, err := c.AcquireSlice(ctx, "v4-16")
	require.NoError(t, err)
	hosts, err := lease.Hosts(ctx)
	require.NoError(t, err)

	require.NoError(t, hosts[1].Platform.RemoveLockfile(ctx))
	require.Equal(t, []string{"10.0.0.2"}, removed)

	p, ok := c.Platform("slice-a")
	require.True(t, ok)
	p.SetPreempted(true)
	require.True(t, accel.Preempted(ctx, hosts[0].Platform))
	require.True(t, accel.Preempted(ctx, lease.Platform()))
}

func TestLocalNodes(t *testing.T) {
	ctx := context.Background()
	topo := accel.Topology{Name: "local-tpu", AcceleratorType: "v4-32", NumHosts: 4, ChipsPerHost: 4}
	platform := accel.NewStatic(topo, "")
	self := Node{ID: "instance-7", Slice: "local-tpu", Index: 2, Address: "10.0.0.4", Platform: platform}
	endpoints := []string{"10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}

	var removed []string
	nodes, err := localNodes(topo, self, endpoints, func(_ context.Context, address string) error {
		removed = append(removed, address)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	for i, n := range nodes {
		require.Equal(t, i, n.Index)
		require.Equal(t, "local-tpu", n.Slice)
	}
	require.Equal(t, "instance-7", nodes[2].ID)
	require.Empty(t, nodes[2].Address, "this host uses the local daemon")
	require.Equal(t, "10.0.0.5", nodes[3].Address)
	require.Equal(t, "local-tpu-0", nodes[0].ID)

	require.NoError(t, nodes[0].Platform.RemoveLockfile(ctx))
	require.NoError(t, nodes[2].Platform.RemoveLockfile(ctx))
	require.Equal(t, []string{"10.0.0.2"}, removed)
	require.Equal(t, 1, platform.LockfileRemovals(), "this host clears its own lockfile")
}

func TestLocalNodesSingleHost(t *testing.T) {
	topo := accel.Topology{Name: "box", AcceleratorType: "v4-8", NumHosts: 1, ChipsPerHost: 4}
	nodes, err := localNodes(topo, Node{ID: "box", Slice: "box"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []Node{{ID: "box", Slice: "box"}}, nodes)
}

func TestLocalNodesMissingEndpoints(t *testing.T) {
	topo := accel.Topology{Name: "local-tpu", AcceleratorType: "v4-32", NumHosts: 4, ChipsPerHost: 4}
	_, err := localNodes(topo, Node{Index: 0}, []string{"10.0.0.2"}, nil)
	require.ErrorContains(t, err, "has 4 hosts but the metadata server lists 1 endpoints")

	_, err = localNodes(topo, Node{Index: 4}, []string{"a", "b", "c", "d"}, nil)
	require.ErrorContains(t, err, "worker index 4 is out of range")
}

func TestNodeSetClaim(t *testing.T) {
	ctx := context.Background()
	set := NewNodeSet([]Node{{ID: "a"}, {ID: "b"}})

	first, releaseFirst, err := set.Claim(ctx)
	require.NoError(t, err)
	second, _, err := set.Claim(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = set.Claim(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan Node)
	go func() {
		n, _, err := set.Claim(ctx)
		require.NoError(t, err)
		got <- n
	}()
	releaseFirst()
	releaseFirst()
	require.Equal(t, first.ID, (<-got).ID)
}

func TestTopologyFromNode(t *testing.T) {
	n := &tpu.Node{
		Name:            "projects/p/locations/us-central2-b/nodes/slicerun-happy-otter",
		AcceleratorType: "v4-32",
		NetworkEndpoints: []*tpu.NetworkEndpoint{
			{IpAddress: "10.1.0.2"}, {IpAddress: "10.1.0.3"}, {IpAddress: "10.1.0.4"}, {IpAddress: "10.1.0.5"},
		},
	}
	topo, err := Topology(n)
	require.NoError(t, err)
	require.Equal(t, accel.Topology{
		Name:            "slicerun-happy-otter",
		AcceleratorType: "v4-32",
		NumHosts:        4,
		ChipsPerHost:    4,
		Address:         "10.1.0.2",
	}, topo)

	_, err = Topology(&tpu.Node{AcceleratorType: "bogus"})
	require.Error(t, err)
}

func TestTPUConfigDefaults(t *testing.T) {
	var c TPUConfig
	require.NoError(t, c.UnmarshalJSON([]byte(`{"project": "p", "zone": "z", "spot": true}`)))
	require.Equal(t, "managed-by", c.LabelKey)
	require.Equal(t, "slicerun", c.LabelValue)
	require.True(t, c.Spot)
	require.Equal(t, 10*time.Second, c.PollInterval.Std())
}
