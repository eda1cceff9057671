package remote

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Process is a handle to a worker that serves submitted calls one at a time, in submission order.
// Submitting never blocks. Killing a process runs its kill hooks, then fails the call it is serving
// along with any queued calls. The serving call's context is canceled but the call itself is
// abandoned rather than waited on.
type Process struct {
	// System dependencies.
	log *logrus.Entry

	// Internal state.
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	killed  chan struct{}
	exited  chan struct{}
	mu      sync.Mutex
	queue   []*call
	current *call
	hooks   []func()
	dead    bool
}

type call struct {
	method string
	run    func(ctx context.Context)
	fail   func(err error)
	exit   bool
}

// Spawn starts a new worker process.
func Spawn(name string) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		log:    logrus.WithFields(logrus.Fields{"component": "process", "process": name}),
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		killed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	go p.serve()
	return p
}

// Submit queues a call to fn on the process and returns a future for its result. Calls to a dead
// process fail with ErrWorkerDied. A panic in fn crashes the process.
func Submit[T any](p *Process, method string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := NewFuture[T](fmt.Sprintf("%s.%s", p.name, method))
	c := &call{
		method: method,
		run: func(ctx context.Context) {
			v, err := fn(ctx)
			if ctx.Err() != nil {
				// Killed mid-call; kill fails the call.
				return
			}
			f.Resolve(v, err)
		},
		fail: func(err error) {
			var zero T
			f.Resolve(zero, err)
		},
	}
	if !p.enqueue(c) {
		c.fail(errors.Wrapf(ErrWorkerDied, "calling %s", f.name))
	}
	return f
}

// Name is the name the process was spawned with.
func (p *Process) Name() string {
	return p.name
}

// Terminate queues a graceful exit behind any calls already submitted. The process cannot answer
// once it has exited, so the returned future always fails with ErrWorkerDied.
func (p *Process) Terminate() *Future[struct{}] {
	f := NewFuture[struct{}](p.name + ".terminate")
	c := &call{
		method: "terminate",
		exit:   true,
		fail:   func(err error) { f.Resolve(struct{}{}, err) },
	}
	if !p.enqueue(c) {
		c.fail(errors.Wrapf(ErrWorkerDied, "%s already exited", p.name))
	}
	return f
}

// Kill stops the process immediately.
func (p *Process) Kill() {
	p.kill(errors.Wrapf(ErrWorkerDied, "%s was killed", p.name))
}

// OnKill registers fn to run once the process dies. Hooks run in reverse registration order. If
// the process is already dead, fn runs immediately.
func (p *Process) OnKill(fn func()) {
	p.mu.Lock()
	if !p.dead {
		p.hooks = append(p.hooks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// Alive reports whether the process can still accept calls.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

// Dead is closed when the process dies.
func (p *Process) Dead() <-chan struct{} {
	return p.killed
}

// Exited is closed when the process has stopped serving calls.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) enqueue(c *call) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead {
		return false
	}
	p.queue = append(p.queue, c)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Process) serve() {
	defer close(p.exited)
	for {
		c := p.next()
		if c == nil {
			return
		}
		if c.exit {
			p.log.Debug("exiting")
			p.Kill()
			return
		}
		p.invoke(c)
	}
}

func (p *Process) next() *call {
	for {
		p.mu.Lock()
		if p.dead {
			p.mu.Unlock()
			return nil
		}
		if len(p.queue) > 0 {
			c := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.current = c
			p.mu.Unlock()
			return c
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.killed:
			return nil
		}
	}
}

func (p *Process) invoke(c *call) {
	defer func() {
		if rec := recover(); rec != nil {
			err := errors.Wrapf(ErrWorkerCrashed, "%s.%s panicked: %v\n%s", p.name, c.method, rec, debug.Stack())
			p.log.WithError(err).Error("worker process crashed")
			c.fail(err)
			p.kill(err)
		}
		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()
	}()
	c.run(p.ctx)
}

func (p *Process) kill(cause error) {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return
	}
	p.dead = true
	current, queued, hooks := p.current, p.queue, p.hooks
	p.queue, p.hooks = nil, nil
	p.mu.Unlock()

	p.cancel()
	close(p.killed)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	if current != nil {
		current.fail(cause)
	}
	for _, c := range queued {
		c.fail(cause)
	}
}
