package launch

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/pkg/remote"
)

// DefaultDockerPort is the port remote docker daemons listen on.
const DefaultDockerPort = 2375

const (
	removeTimeout   = 30 * time.Second
	maxCachedHosts  = 256
	janitorNameBase = "slicerun-janitor-"
)

// ExitError is returned when a container exits with a non-zero status.
type ExitError struct {
	Container string
	Code      int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("container %s exited with code %d", e.Container, e.Code)
}

// engine is the part of a host's docker daemon a Runner uses.
type engine interface {
	RemoveContainer(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(
		ctx context.Context, name string, config *container.Config, hostConfig *container.HostConfig,
	) (string, error)
	RunContainer(ctx context.Context, waitCtx context.Context, id string) (ContainerWaiter, error)
	StreamLogs(ctx context.Context, id string, log *logrus.Entry) error
	Close() error
}

type dialer func(address string) (engine, error)

// Runner runs containers on hosts through their docker daemons. The daemon of a host with an
// empty address is the local one, found through the usual DOCKER_* environment variables.
type Runner struct {
	dial    dialer
	engines *lru.Cache[string, engine]
	log     *logrus.Entry
}

// NewRunner returns a runner that reaches remote daemons on port.
func NewRunner(port int) (*Runner, error) {
	return newRunner(func(address string) (engine, error) {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if address != "" {
			host := "tcp://" + net.JoinHostPort(address, strconv.Itoa(port))
			opts = append(opts, client.WithHost(host))
		}
		cl, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "creating docker client for %q", address)
		}
		return NewClient(cl), nil
	})
}

func newRunner(dial dialer) (*Runner, error) {
	log := logrus.WithField("component", "docker-runner")
	engines, err := lru.NewWithEvict(maxCachedHosts, func(address string, e engine) {
		if err := e.Close(); err != nil {
			log.WithError(err).Warnf("closing docker client of %q", address)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Runner{dial: dial, engines: engines, log: log}, nil
}

// Close closes every cached client.
func (r *Runner) Close() {
	r.engines.Purge()
}

func (r *Runner) engine(address string) (engine, error) {
	if e, ok := r.engines.Get(address); ok {
		return e, nil
	}
	e, err := r.dial(address)
	if err != nil {
		return nil, err
	}
	// Another caller may have dialed the same host in the meantime. The first client cached wins.
	if cached, ok, _ := r.engines.PeekOrAdd(address, e); ok {
		if err := e.Close(); err != nil {
			r.log.WithError(err).Warnf("closing duplicate docker client of %q", address)
		}
		return cached, nil
	}
	return e, nil
}

// Task returns a task that runs spec's container on the host it is placed on. Its environment
// is spec's, massaged for a terminal-less run; coordination variables are layered over it.
func (r *Runner) Task(spec RunSpec) remote.Task {
	spec = spec.WithDefaults()
	t := remote.NewTask(spec.Name, func(ctx context.Context, p remote.Placement) (any, error) {
		if err := r.Run(ctx, p, spec); err != nil {
			return nil, err
		}
		return 0, nil
	})
	t.Env = MassageEnv(spec.Env)
	return t
}

// Run runs spec's container on the host of p with p's environment and waits for it to exit. A
// stale container of the same name is removed first. Canceling ctx removes the container. A host
// whose daemon cannot be reached is reported as remote.ErrNodeDied.
func (r *Runner) Run(ctx context.Context, p remote.Placement, spec RunSpec) (err error) {
	spec = spec.WithDefaults()
	log := r.log.WithFields(logrus.Fields{
		"container":    spec.Name,
		"slice":        p.Slice,
		"worker-index": p.WorkerIndex,
	})
	defer func() { err = r.hostError(p.Address, err) }()

	e, err := r.engine(p.Address)
	if err != nil {
		return err
	}
	config, hostConfig, err := spec.containerConfig(p)
	if err != nil {
		return err
	}

	log.Infof("killing old container %s", spec.Name)
	if err := e.RemoveContainer(ctx, spec.Name); err != nil {
		return err
	}
	if err := e.EnsureImage(ctx, spec.Image); err != nil {
		return err
	}
	id, err := e.CreateContainer(ctx, spec.Name, config, hostConfig)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	waiter, err := e.RunContainer(ctx, waitCtx, id)
	if err != nil {
		r.remove(e, spec.Name, log)
		return err
	}
	log.Infof("started container %s", spec.Name)
	go func() {
		if err := e.StreamLogs(waitCtx, id, log); err != nil && waitCtx.Err() == nil {
			log.WithError(err).Warn("stopped following container logs")
		}
	}()

	select {
	case res := <-waiter.Waiter:
		switch {
		case res.Error != nil:
			return errors.Errorf("waiting on container %s: %s", spec.Name, res.Error.Message)
		case res.StatusCode != 0:
			return &ExitError{Container: spec.Name, Code: res.StatusCode}
		}
		log.Infof("container %s exited cleanly", spec.Name)
		return nil
	case err := <-waiter.Errs:
		return errors.Wrapf(err, "waiting on container %s", spec.Name)
	case <-ctx.Done():
		log.Warn("run canceled, removing container")
		r.remove(e, spec.Name, log)
		return ctx.Err()
	}
}

func (r *Runner) remove(e engine, name string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := e.RemoveContainer(ctx, name); err != nil {
		log.WithError(err).Errorf("removing container %s, it may be orphaned", name)
	}
}

func (r *Runner) hostError(address string, err error) error {
	if err == nil || !client.IsErrConnectionFailed(errors.Cause(err)) {
		return err
	}
	r.engines.Remove(address)
	return errors.Wrapf(remote.ErrNodeDied, "docker daemon on %q is unreachable: %v", address, err)
}

// RemoveHostFile removes path on the host at address by running a short-lived container of image
// with the file's directory mounted.
func (r *Runner) RemoveHostFile(ctx context.Context, address, image, path string) (err error) {
	defer func() { err = r.hostError(address, err) }()

	e, err := r.engine(address)
	if err != nil {
		return err
	}
	if err := e.EnsureImage(ctx, image); err != nil {
		return err
	}
	name := janitorNameBase + uuid.New().String()[:8]
	dir := filepath.Dir(path)
	id, err := e.CreateContainer(ctx, name, &container.Config{
		Image:      image,
		Entrypoint: []string{"rm", "-f", path},
		Labels:     map[string]string{ManagedLabel: "true"},
	}, &container.HostConfig{
		Binds: []string{dir + ":" + dir},
	})
	if err != nil {
		return err
	}
	log := r.log.WithFields(logrus.Fields{"container": name, "host": address})
	defer r.remove(e, name, log)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waiter, err := e.RunContainer(ctx, waitCtx, id)
	if err != nil {
		return err
	}
	select {
	case res := <-waiter.Waiter:
		if res.StatusCode != 0 {
			return &ExitError{Container: name, Code: res.StatusCode}
		}
		return nil
	case err := <-waiter.Errs:
		return errors.Wrapf(err, "waiting on container %s", name)
	}
}

// LockfileRemover returns a cluster.LockfileRemover that clears the accelerator lockfile at path
// on remote hosts using image. Local hosts are cleared directly.
func (r *Runner) LockfileRemover(image, path string, local func(ctx context.Context) error) cluster.LockfileRemover {
	return func(ctx context.Context, address string) error {
		if address == "" && local != nil {
			return local(ctx)
		}
		return r.RemoveHostFile(ctx, address, image, path)
	}
}
