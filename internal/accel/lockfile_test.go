package accel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoveLockfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libtpu_lockfile")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, RemoveLockfile(context.Background(), path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, RemoveLockfile(context.Background(), path), "missing lockfiles are fine")
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	topo := Topology{Name: "slice-a", AcceleratorType: "v4-16", NumHosts: 2, ChipsPerHost: 4}
	p := NewStatic(topo, "")

	got, err := p.Topology(ctx)
	require.NoError(t, err)
	require.Equal(t, topo, got)
	require.False(t, Preempted(ctx, p))

	p.SetPreempted(true)
	require.True(t, Preempted(ctx, p))

	require.NoError(t, p.RemoveLockfile(ctx))
	require.Equal(t, 1, p.LockfileRemovals())
}

func TestWithLockfileRemover(t *testing.T) {
	ctx := context.Background()
	base := NewStatic(Topology{Name: "slice-a"}, "")
	var calls int
	p := WithLockfileRemover(base, func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, p.RemoveLockfile(ctx))
	require.Equal(t, 1, calls)
	require.Equal(t, 0, base.LockfileRemovals())

	base.SetPreempted(true)
	require.True(t, Preempted(ctx, p))
}
