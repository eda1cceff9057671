package remote

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture[int]("answer")
	require.False(t, f.Ready())
	require.True(t, f.Resolve(42, nil))
	require.False(t, f.Resolve(7, errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.True(t, f.Ready())
}

func TestFutureGetWithinTimesOut(t *testing.T) {
	f := NewFuture[int]("never")
	_, err := f.GetWithin(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrGetTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFutureCancel(t *testing.T) {
	f := NewFuture[int]("cancel")
	var forced []bool
	f.OnCancel(func(force bool) { forced = append(forced, force) })

	f.Cancel(true)
	require.Equal(t, []bool{true}, forced)
	require.True(t, f.Canceled())
	require.False(t, f.Ready(), "cancellation is advisory")

	f.Resolve(1, nil)
	f.Cancel(false)
	require.Len(t, forced, 1, "resolved futures are not canceled")
}

func TestWaitReturnsResolved(t *testing.T) {
	futures := []*Future[int]{NewFuture[int]("a"), NewFuture[int]("b"), NewFuture[int]("c")}
	go futures[1].Resolve(1, nil)

	ready, pending, err := Wait(context.Background(), clockwork.NewRealClock(), time.Minute, futures)
	require.NoError(t, err)
	require.Equal(t, []int{1}, ready)
	require.Equal(t, []int{0, 2}, pending)
}

func TestWaitTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	futures := []*Future[int]{NewFuture[int]("a")}

	type result struct {
		ready, pending []int
		err            error
	}
	results := make(chan result)
	go func() {
		ready, pending, err := Wait(context.Background(), clock, 10*time.Second, futures)
		results <- result{ready, pending, err}
	}()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	res := <-results
	require.NoError(t, res.err)
	require.Empty(t, res.ready)
	require.Equal(t, []int{0}, res.pending)
}

func TestWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, pending, err := Wait(ctx, clockwork.NewRealClock(), time.Minute, []*Future[int]{NewFuture[int]("a")})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{0}, pending)
}
