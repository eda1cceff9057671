package launch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/slicerun/pkg/remote"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	created map[string]*container.Config
	hosts   map[string]*container.HostConfig
	closed  bool

	exitCode int64
	hang     bool
	failWith error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{created: map[string]*container.Config{}, hosts: map[string]*container.HostConfig{}}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	f.record("remove " + name)
	return nil
}

func (f *fakeEngine) EnsureImage(_ context.Context, image string) error {
	f.record("ensure " + image)
	return f.failWith
}

func (f *fakeEngine) CreateContainer(
	_ context.Context, name string, config *container.Config, hostConfig *container.HostConfig,
) (string, error) {
	f.record("create " + name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[name] = config
	f.hosts[name] = hostConfig
	return "id-" + name, nil
}

func (f *fakeEngine) RunContainer(_ context.Context, _ context.Context, id string) (ContainerWaiter, error) {
	f.record("run " + id)
	waiter := make(chan container.WaitResponse, 1)
	if !f.hang {
		waiter <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return ContainerWaiter{Waiter: waiter, Errs: make(chan error)}, nil
}

func (f *fakeEngine) StreamLogs(context.Context, string, *logrus.Entry) error {
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testRunner(t *testing.T, engines map[string]*fakeEngine) *Runner {
	r, err := newRunner(func(address string) (engine, error) {
		e, ok := engines[address]
		if !ok {
			return nil, errors.Errorf("unknown host %q", address)
		}
		return e, nil
	})
	require.NoError(t, err)
	return r
}

var testSpec = RunSpec{
	Image:   "ghcr.io/stanford-crfm/levanter:latest",
	Command: []string{"python", "-m", "train", "--config", "gpt2.yaml"},
	Env:     map[string]string{"WANDB_API_KEY": "k"},
}

func TestMassageEnv(t *testing.T) {
	require.Equal(t, map[string]string{
		"TERM":                 "dumb",
		"TF_CPP_MIN_LOG_LEVEL": "3",
		"FOO":                  "bar",
	}, MassageEnv(map[string]string{"FOO": "bar"}))

	require.Equal(t, map[string]string{
		"TERM":                 "xterm",
		"TF_CPP_MIN_LOG_LEVEL": "0",
	}, MassageEnv(map[string]string{"TERM": "xterm", "TF_CPP_MIN_LOG_LEVEL": "0"}))
}

func TestArgv(t *testing.T) {
	argv := testSpec.Argv(map[string]string{"B": "2", "A": "1"})
	require.Equal(t, []string{
		"docker", "run", "-t",
		"--name=slicerun",
		"--privileged",
		"--shm-size=32gb",
		"--net=host",
		"--init",
		"--mount", "type=volume,source=slicerun,target=/home/slicerun",
		"-v", "/tmp:/tmp",
		"-e", "A=1",
		"-e", "B=2",
		"ghcr.io/stanford-crfm/levanter:latest",
		"python", "-m", "train", "--config", "gpt2.yaml",
	}, argv)
}

func TestRunSpecValidate(t *testing.T) {
	require.Empty(t, testSpec.Validate())
	require.Len(t, RunSpec{}.Validate(), 2)

	bad := testSpec
	bad.ShmSize = "lots"
	require.Len(t, bad.Validate(), 1)
}

func TestContainerConfig(t *testing.T) {
	config, host, err := testSpec.containerConfig(remote.Placement{
		Slice:       "slice-a",
		WorkerIndex: 3,
		Env:         map[string]string{"MEGASCALE_SLICE_ID": "1", "TERM": "dumb"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"MEGASCALE_SLICE_ID=1", "TERM=dumb"}, config.Env)
	require.Equal(t, testSpec.Command, []string(config.Cmd))
	require.Equal(t, "3", config.Labels[WorkerLabel])
	require.Equal(t, "slice-a", config.Labels[SliceLabel])

	require.True(t, host.Privileged)
	require.Equal(t, container.NetworkMode("host"), host.NetworkMode)
	require.True(t, *host.Init)
	require.EqualValues(t, 32<<30, host.ShmSize)
	require.Equal(t, []string{"/tmp:/tmp"}, host.Binds)
	require.Equal(t, []mount.Mount{{
		Type: mount.TypeVolume, Source: "slicerun", Target: "/home/slicerun",
	}}, host.Mounts)
}

func TestRun(t *testing.T) {
	e := newFakeEngine()
	r := testRunner(t, map[string]*fakeEngine{"10.0.0.2": e})

	task := r.Task(testSpec)
	require.Equal(t, "dumb", task.Env["TERM"])
	require.Equal(t, "k", task.Env["WANDB_API_KEY"])

	v, err := task.Run(context.Background(), remote.Placement{
		Address: "10.0.0.2",
		Env:     map[string]string{"MEGASCALE_NUM_SLICES": "2"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, v)
	require.Equal(t, []string{
		"remove slicerun",
		"ensure ghcr.io/stanford-crfm/levanter:latest",
		"create slicerun",
		"run id-slicerun",
	}, e.Calls())
	require.Equal(t, []string{"MEGASCALE_NUM_SLICES=2"}, e.created["slicerun"].Env)
}

func TestRunExitCode(t *testing.T) {
	e := newFakeEngine()
	e.exitCode = 137
	r := testRunner(t, map[string]*fakeEngine{"": e})

	err := r.Run(context.Background(), remote.Placement{}, testSpec)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.EqualValues(t, 137, exitErr.Code)
	require.Equal(t, "container slicerun exited with code 137", err.Error())
}

func TestRunCanceledRemovesContainer(t *testing.T) {
	e := newFakeEngine()
	e.hang = true
	r := testRunner(t, map[string]*fakeEngine{"": e})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, remote.Placement{}, testSpec)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	calls := e.Calls()
	require.Equal(t, "remove slicerun", calls[len(calls)-1])
}

func TestRunUnreachableHost(t *testing.T) {
	e := newFakeEngine()
	e.failWith = errors.Wrap(client.ErrorConnectionFailed("tcp://10.0.0.9:2375"), "pulling")
	r := testRunner(t, map[string]*fakeEngine{"10.0.0.9": e})

	err := r.Run(context.Background(), remote.Placement{Address: "10.0.0.9"}, testSpec)
	require.ErrorIs(t, err, remote.ErrNodeDied)
	require.True(t, e.closed, "the broken client is dropped")
}

func TestRemoveHostFile(t *testing.T) {
	e := newFakeEngine()
	r := testRunner(t, map[string]*fakeEngine{"10.0.0.3": e})

	require.NoError(t, r.RemoveHostFile(context.Background(), "10.0.0.3", "busybox", "/tmp/libtpu_lockfile"))

	var name string
	for n := range e.created {
		name = n
	}
	require.Contains(t, name, janitorNameBase)
	require.Equal(t, []string{"rm", "-f", "/tmp/libtpu_lockfile"}, []string(e.created[name].Entrypoint))
	require.Equal(t, []string{"/tmp:/tmp"}, e.hosts[name].Binds)
	calls := e.Calls()
	require.Equal(t, "remove "+name, calls[len(calls)-1], "the janitor is cleaned up")

	localCalls := 0
	remover := r.LockfileRemover("busybox", "/tmp/libtpu_lockfile", func(context.Context) error {
		localCalls++
		return nil
	})
	require.NoError(t, remover(context.Background(), ""))
	require.Equal(t, 1, localCalls)
}

func TestRunnerCachesClients(t *testing.T) {
	dials := 0
	e := newFakeEngine()
	r, err := newRunner(func(string) (engine, error) {
		dials++
		return e, nil
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.engine("10.0.0.4")
		require.NoError(t, err)
	}
	require.Equal(t, 1, dials)
	r.Close()
	require.True(t, e.closed)
}

func TestRunnerKeepsOneClientPerHost(t *testing.T) {
	const callers = 4
	var arrived sync.WaitGroup
	arrived.Add(callers)

	var mu sync.Mutex
	var dialed []*fakeEngine
	r, err := newRunner(func(string) (engine, error) {
		e := newFakeEngine()
		mu.Lock()
		dialed = append(dialed, e)
		mu.Unlock()
		// Every caller dials before any of them caches its client.
		arrived.Done()
		arrived.Wait()
		return e, nil
	})
	require.NoError(t, err)

	got := make([]engine, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = r.engine("10.0.0.4")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, dialed, callers)
	open := 0
	for _, e := range dialed {
		if !e.closed {
			open++
			for _, g := range got {
				require.Same(t, e, g, "every caller gets the cached client")
			}
		}
	}
	require.Equal(t, 1, open, "the clients that lost the race are closed")

	r.Close()
	for _, e := range dialed {
		require.True(t, e.closed)
	}
}
