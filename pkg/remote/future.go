package remote

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Future is the eventual result of a call made to a worker process or of a launched task. A
// future is resolved exactly once; later resolutions are ignored.
type Future[T any] struct {
	name string

	done  chan struct{}
	once  sync.Once
	value T
	err   error

	mu       sync.Mutex
	canceler func(force bool)
	canceled bool
}

// NewFuture returns an unresolved future.
func NewFuture[T any](name string) *Future[T] {
	return &Future[T]{name: name, done: make(chan struct{})}
}

// Resolved returns a future that already holds the given result.
func Resolved[T any](name string, value T, err error) *Future[T] {
	f := NewFuture[T](name)
	f.Resolve(value, err)
	return f
}

// Name is the name the future was created with.
func (f *Future[T]) Name() string {
	return f.name
}

// Resolve settles the future and reports whether this call was the one that settled it.
func (f *Future[T]) Resolve(value T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the future is resolved.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future resolves or ctx is done. An expired context deadline is reported
// as ErrGetTimeout.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.Wrapf(ErrGetTimeout, "waiting on %s", f.name)
		}
		return zero, ctx.Err()
	}
}

// GetWithin is Get bounded by timeout. A non-positive timeout waits as long as ctx allows.
func (f *Future[T]) GetWithin(ctx context.Context, timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return f.Get(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Get(ctx)
}

// OnCancel sets the function Cancel delegates to.
func (f *Future[T]) OnCancel(fn func(force bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceler = fn
}

// Cancel asks whatever is producing the future's value to stop. Cancellation is advisory: the
// future stays unresolved until the producer notices, if it ever does.
func (f *Future[T]) Cancel(force bool) {
	if f.Ready() {
		return
	}
	f.mu.Lock()
	f.canceled = true
	canceler := f.canceler
	f.mu.Unlock()

	if canceler != nil {
		canceler(force)
	}
}

// Canceled reports whether Cancel was called before the future resolved.
func (f *Future[T]) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

func (f *Future[T]) String() string {
	return f.name
}
