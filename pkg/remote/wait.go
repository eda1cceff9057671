package remote

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Waitable is anything with a completion signal, like a Future.
type Waitable interface {
	Done() <-chan struct{}
}

// Wait blocks until at least one of the futures is resolved, timeout elapses or ctx is done. It
// returns the indexes of resolved and unresolved futures, each in input order. A non-positive
// timeout waits without bound.
func Wait[F Waitable](
	ctx context.Context, clock clockwork.Clock, timeout time.Duration, futures []F,
) (ready, pending []int, err error) {
	if ready, pending = partition(futures); len(ready) > 0 || len(pending) == 0 {
		return ready, pending, nil
	}

	woke := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	for _, f := range futures {
		go func(done <-chan struct{}) {
			select {
			case <-done:
				select {
				case woke <- struct{}{}:
				default:
				}
			case <-stop:
			}
		}(f.Done())
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	select {
	case <-woke:
	case <-expired:
	case <-ctx.Done():
		ready, pending = partition(futures)
		return ready, pending, ctx.Err()
	}
	ready, pending = partition(futures)
	return ready, pending, nil
}

func partition[F Waitable](futures []F) (ready, pending []int) {
	for i, f := range futures {
		select {
		case <-f.Done():
			ready = append(ready, i)
		default:
			pending = append(pending, i)
		}
	}
	return ready, pending
}
