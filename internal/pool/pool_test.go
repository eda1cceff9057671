package pool

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/determined-ai/slicerun/pkg/remote"
)

var testTimeouts = Timeouts{
	HealthCheck: 50 * time.Millisecond,
	Teardown:    50 * time.Millisecond,
	Terminate:   50 * time.Millisecond,
	Start:       time.Second,
}

type fakeWorker struct {
	id        int
	proc      *remote.Process
	healthy   atomic.Bool
	hang      atomic.Bool
	teardowns atomic.Int64
	stopErr   error
}

func newFakeWorker(id int) *fakeWorker {
	w := &fakeWorker{id: id, proc: remote.Spawn("fake-" + strconv.Itoa(id))}
	w.healthy.Store(true)
	return w
}

func (w *fakeWorker) block(ctx context.Context) {
	if w.hang.Load() {
		<-ctx.Done()
	}
}

func (w *fakeWorker) Healthy() *remote.Future[bool] {
	return remote.Submit(w.proc, "healthy", func(ctx context.Context) (bool, error) {
		w.block(ctx)
		return w.healthy.Load(), nil
	})
}

func (w *fakeWorker) Teardown() *remote.Future[struct{}] {
	return remote.Submit(w.proc, "teardown", func(ctx context.Context) (struct{}, error) {
		w.block(ctx)
		w.teardowns.Inc()
		return struct{}{}, w.stopErr
	})
}

func (w *fakeWorker) Terminate() *remote.Future[struct{}] { return w.proc.Terminate() }
func (w *fakeWorker) Kill()                               { w.proc.Kill() }

type fakeProvider struct {
	workers   []*fakeWorker
	failStart map[int]bool
}

func (p *fakeProvider) Kind() string             { return "fake" }
func (p *fakeProvider) PoolName() string         { return "fake pool" }
func (p *fakeProvider) MemberName(id int) string { return "worker " + strconv.Itoa(id) }

func (p *fakeProvider) Create() (*fakeWorker, error) {
	w := newFakeWorker(len(p.workers))
	p.workers = append(p.workers, w)
	return w, nil
}

func (p *fakeProvider) Info(w *fakeWorker) *remote.Future[int] {
	return remote.Submit(w.proc, "info", func(context.Context) (int, error) {
		if p.failStart[w.id] {
			return 0, errors.New("no hardware")
		}
		return w.id, nil
	})
}

func memberIDs(p *Pool[*fakeWorker, int]) []int {
	var ids []int
	for _, m := range p.Members() {
		ids = append(ids, m.Info)
	}
	return ids
}

func TestScaleTo(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	provider := &fakeProvider{}
	p := New[*fakeWorker, int](provider, testTimeouts)
	defer p.Drain(ctx)

	require.NoError(t, p.ScaleTo(ctx, 3))
	require.Equal(t, []int{0, 1, 2}, memberIDs(p))

	require.NoError(t, p.ScaleTo(ctx, 3))
	require.Len(t, provider.workers, 3, "scaling to the current size creates nothing")
	for _, w := range provider.workers {
		require.Zero(t, w.teardowns.Load(), "scaling to the current size stops nothing")
	}
}

func TestScaleToReplacesUnhealthy(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	provider := &fakeProvider{}
	p := New[*fakeWorker, int](provider, testTimeouts)
	defer p.Drain(ctx)

	require.NoError(t, p.ScaleTo(ctx, 3))
	provider.workers[1].healthy.Store(false)
	provider.workers[2].hang.Store(true)

	require.NoError(t, p.ScaleTo(ctx, 3))
	require.Equal(t, []int{0, 3, 4}, memberIDs(p))
	require.EqualValues(t, 1, provider.workers[1].teardowns.Load())
	<-provider.workers[1].proc.Dead()
	<-provider.workers[2].proc.Dead()
}

func TestScaleToInsufficientCapacity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	provider := &fakeProvider{failStart: map[int]bool{1: true}}
	p := New[*fakeWorker, int](provider, testTimeouts)
	defer p.Drain(ctx)

	err := p.ScaleTo(ctx, 3)
	var capErr ErrInsufficientCapacity
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, ErrInsufficientCapacity{Pool: "fake pool", Wanted: 3, Got: 2}, capErr)
	require.Equal(t, []int{0, 2}, memberIDs(p))
	<-provider.workers[1].proc.Dead()

	require.NoError(t, p.ScaleTo(ctx, 3), "the next scale tops the pool up")
	require.Equal(t, []int{0, 2, 3}, memberIDs(p))
}

func TestScaleToShrinks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	provider := &fakeProvider{}
	p := New[*fakeWorker, int](provider, testTimeouts)
	defer p.Drain(ctx)

	require.NoError(t, p.ScaleTo(ctx, 3))
	require.NoError(t, p.ScaleTo(ctx, 1))
	require.Equal(t, []int{0}, memberIDs(p))
	<-provider.workers[1].proc.Dead()
	<-provider.workers[2].proc.Dead()
}

func TestDrainIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()
	provider := &fakeProvider{}
	p := New[*fakeWorker, int](provider, testTimeouts)

	require.NoError(t, p.ScaleTo(ctx, 2))
	provider.workers[0].stopErr = errors.New("teardown exploded")

	p.Drain(ctx)
	require.Zero(t, p.Len())
	p.Drain(ctx)
	require.Zero(t, p.Len())

	for _, w := range provider.workers {
		require.EqualValues(t, 1, w.teardowns.Load())
		require.False(t, w.proc.Alive())
	}
}

func TestStopWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	t.Run("graceful", func(t *testing.T) {
		w := newFakeWorker(0)
		require.NoError(t, StopWorker(ctx, w, testTimeouts))
		require.EqualValues(t, 1, w.teardowns.Load())
		require.False(t, w.proc.Alive())
	})

	t.Run("teardown times out", func(t *testing.T) {
		w := newFakeWorker(1)
		w.hang.Store(true)
		require.NoError(t, StopWorker(ctx, w, testTimeouts))
		require.False(t, w.proc.Alive())
	})

	t.Run("already dead", func(t *testing.T) {
		w := newFakeWorker(2)
		w.Kill()
		require.NoError(t, StopWorker(ctx, w, testTimeouts))
	})

	t.Run("teardown fails", func(t *testing.T) {
		w := newFakeWorker(3)
		w.stopErr = errors.New("teardown exploded")
		require.ErrorContains(t, StopWorker(ctx, w, testTimeouts), "teardown exploded")
		require.False(t, w.proc.Alive(), "the worker is killed regardless")
	})
}
