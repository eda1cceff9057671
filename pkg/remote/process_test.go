package remote

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestProcessServesCallsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := Spawn("ordered")
	defer p.Kill()

	var seen []int
	var futures []*Future[int]
	for i := 0; i < 5; i++ {
		futures = append(futures, Submit(p, "record", func(context.Context) (int, error) {
			seen = append(seen, i)
			return i, nil
		}))
	}
	for i, f := range futures {
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestProcessKill(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := Spawn("killed")
	started := make(chan struct{})
	blocked := Submit(p, "block", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	queued := Submit(p, "queued", func(context.Context) (int, error) { return 1, nil })

	var hooks []string
	p.OnKill(func() { hooks = append(hooks, "first") })
	p.OnKill(func() { hooks = append(hooks, "second") })

	<-started
	p.Kill()
	p.Kill()

	_, err := blocked.Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerDied)
	_, err = queued.Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerDied)
	require.Equal(t, []string{"second", "first"}, hooks)

	_, err = Submit(p, "late", func(context.Context) (int, error) { return 2, nil }).Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerDied)
	require.False(t, p.Alive())

	ran := false
	p.OnKill(func() { ran = true })
	require.True(t, ran)
	<-p.Exited()
}

func TestProcessTerminate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := Spawn("terminated")
	first := Submit(p, "first", func(context.Context) (string, error) { return "done", nil })
	exit := p.Terminate()
	after := Submit(p, "after", func(context.Context) (string, error) { return "never", nil })

	v, err := first.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "done", v)

	_, err = exit.GetWithin(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrWorkerDied)
	_, err = after.Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerDied)
	<-p.Exited()
}

func TestProcessCrash(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := Spawn("crashy")
	crashed := Submit(p, "crash", func(context.Context) (int, error) { panic("boom") })
	queued := Submit(p, "queued", func(context.Context) (int, error) { return 1, nil })

	_, err := crashed.Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerCrashed)
	require.Contains(t, err.Error(), "boom")
	_, err = queued.Get(context.Background())
	require.ErrorIs(t, err, ErrWorkerCrashed)
	<-p.Dead()
	require.False(t, p.Alive())
}

func TestLaunch(t *testing.T) {
	placement := Placement{NodeID: "node-0", Env: map[string]string{"A": "1"}}

	t.Run("value", func(t *testing.T) {
		f := Launch(NewTask("value", func(_ context.Context, p Placement) (any, error) {
			return p.Env["A"], nil
		}), placement)
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, "1", v)
	})

	t.Run("task error", func(t *testing.T) {
		cause := errors.New("bad input")
		f := Launch(NewTask("fails", func(context.Context, Placement) (any, error) {
			return nil, cause
		}), placement)
		_, err := f.Get(context.Background())
		var te *TaskError
		require.ErrorAs(t, err, &te)
		require.Equal(t, "fails", te.Task)
		require.ErrorIs(t, err, cause)
		require.Contains(t, te.Trace, "bad input")
	})

	t.Run("substrate error passes through", func(t *testing.T) {
		f := Launch(NewTask("lost", func(context.Context, Placement) (any, error) {
			return nil, errors.Wrap(ErrNodeDied, "host went away")
		}), placement)
		_, err := f.Get(context.Background())
		require.ErrorIs(t, err, ErrNodeDied)
		var te *TaskError
		require.False(t, errors.As(err, &te))
	})

	t.Run("panic", func(t *testing.T) {
		f := Launch(NewTask("panics", func(context.Context, Placement) (any, error) {
			panic("oops")
		}), placement)
		_, err := f.Get(context.Background())
		var te *TaskError
		require.ErrorAs(t, err, &te)
		require.Contains(t, te.Error(), "oops")
	})

	t.Run("cancel", func(t *testing.T) {
		f := Launch(NewTask("waits", func(ctx context.Context, _ Placement) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), placement)
		f.Cancel(true)
		_, err := f.Get(context.Background())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestTaskValidate(t *testing.T) {
	require.Empty(t, NewTask("ok", func(context.Context, Placement) (any, error) { return nil, nil }).Validate())
	require.Len(t, Task{Name: "reused", MaxCalls: 2, Run: func(context.Context, Placement) (any, error) {
		return nil, nil
	}}.Validate(), 1)
	require.Len(t, Task{Name: "empty"}.Validate(), 1)
}

func TestMergeEnv(t *testing.T) {
	base := map[string]string{"A": "1", "B": "2"}
	merged := MergeEnv(base, map[string]string{"B": "3", "C": "4"})
	require.Equal(t, map[string]string{"A": "1", "B": "3", "C": "4"}, merged)
	require.Equal(t, "2", base["B"])
}
