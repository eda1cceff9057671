// Package isolate runs registered functions in a child copy of the current binary, so that state a
// function leaves behind, like open accelerator handles, dies with the child.
package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// ChildEnv names the registered function a child process should run.
const ChildEnv = "SLICERUN_ISOLATE_CHILD"

const (
	// ResultTimeout bounds how long the parent waits for a result after the child exits.
	ResultTimeout = time.Second
	// TerminateGrace is how long a child has to exit after being asked to.
	TerminateGrace = 10 * time.Second
	resultFD       = 3
)

// Func is a function that can run in a child process. It receives the JSON payload passed to Run.
type Func func(ctx context.Context, payload json.RawMessage) (any, error)

var (
	mu       sync.Mutex
	registry = map[string]Func{}
)

var log = logrus.WithField("component", "isolate")

// Register makes fn runnable in a child process under name. Registration has to happen before
// MaybeServe is called, in both the parent and the child.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("isolated function %s registered twice", name))
	}
	registry[name] = fn
}

func lookup(name string) (Func, bool) {
	mu.Lock()
	defer mu.Unlock()
	fn, ok := registry[name]
	return fn, ok
}

// SerializedError is an error that crossed the process boundary. Trace holds the original error
// formatted with its stack.
type SerializedError struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
	// Substrate names the substrate failure the error matched in the child, if any.
	Substrate string `json:"substrate,omitempty"`
}

func (e *SerializedError) Error() string {
	return e.Message
}

type result struct {
	Value json.RawMessage  `json:"value,omitempty"`
	Err   *SerializedError `json:"error,omitempty"`
}

var substrateErrors = map[string]error{
	"node_died":          remote.ErrNodeDied,
	"worker_crashed":     remote.ErrWorkerCrashed,
	"worker_died":        remote.ErrWorkerDied,
	"worker_unavailable": remote.ErrWorkerUnavailable,
}

func serializeError(err error) *SerializedError {
	se := &SerializedError{Message: err.Error(), Trace: fmt.Sprintf("%+v", err)}
	var te *remote.TaskError
	if errors.As(err, &te) && te.Trace != "" {
		se.Trace = te.Trace
	}
	for name, sentinel := range substrateErrors {
		if errors.Is(err, sentinel) {
			se.Substrate = name
			break
		}
	}
	return se
}

func (e *SerializedError) reraise(name string) error {
	if sentinel, ok := substrateErrors[e.Substrate]; ok {
		return errors.Wrap(sentinel, e.Message)
	}
	return &remote.TaskError{Task: name, Cause: e, Trace: e.Trace}
}

// Run runs the function registered under name in a child process and returns its JSON-encoded
// result. The child is joined before Run returns; if ctx ends first, the child is asked to
// terminate. An error raised in the child is returned as a remote.TaskError carrying the child's
// trace. A child that exits without reporting a result is treated as timed out.
func Run(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	if _, ok := lookup(name); !ok {
		return nil, errors.Errorf("no isolated function named %s", name)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding payload of %s", name)
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "finding current executable")
	}

	results, w, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating result pipe")
	}
	defer results.Close()

	cmd := exec.CommandContext(ctx, exe)
	cmd.Env = append(os.Environ(), ChildEnv+"="+name)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{w}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = TerminateGrace

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "starting isolated %s", name)
	}
	w.Close()
	log.Debugf("started isolated %s as pid %d", name, cmd.Process.Pid)

	// The result is the first JSON value on the pipe. Reading stops there rather than at EOF, which
	// never comes while anything the child started still holds the write end. Closing results on
	// return unblocks the reader if no value ever arrives.
	type decoded struct {
		res result
		err error
	}
	read := make(chan decoded, 1)
	go func() {
		var d decoded
		d.err = json.NewDecoder(results).Decode(&d.res)
		read <- d
	}()

	waitErr := cmd.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var d decoded
	select {
	case d = <-read:
	case <-time.After(ResultTimeout):
		d.err = io.EOF
	}
	switch {
	case d.err == io.EOF:
		log.Errorf("isolated %s timed out", name)
		return nil, errors.Errorf("isolated %s timed out without a result (%v)", name, waitErr)
	case d.err != nil:
		return nil, errors.Wrapf(d.err, "decoding result of isolated %s", name)
	}

	res := d.res
	if res.Err != nil {
		return nil, res.Err.reraise(name)
	}
	return res.Value, nil
}

// Task returns a task that runs the function registered under name in a child process, with a
// payload built from the task's placement. The result is decoded from JSON.
func Task(name string, payload func(p remote.Placement) any) remote.Task {
	return remote.NewTask(name, func(ctx context.Context, p remote.Placement) (any, error) {
		raw, err := Run(ctx, name, payload(p))
		if err != nil {
			return nil, err
		}
		var v any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, errors.Wrapf(err, "decoding result of %s", name)
			}
		}
		return v, nil
	})
}

// MaybeServe runs the requested function and exits if this process is an isolated child. It
// returns without doing anything otherwise. Call it early in main, after registering functions.
func MaybeServe() {
	name := os.Getenv(ChildEnv)
	if name == "" {
		return
	}
	// Processes the function starts must not inherit the result pipe.
	syscall.CloseOnExec(resultFD)
	os.Exit(serve(name, os.Stdin, os.NewFile(resultFD, "result")))
}

func serve(name string, in io.Reader, out io.WriteCloser) int {
	defer out.Close()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var res result
	fn, ok := lookup(name)
	if !ok {
		res.Err = serializeError(errors.Errorf("no isolated function named %s", name))
	} else if payload, err := io.ReadAll(in); err != nil {
		res.Err = serializeError(errors.Wrap(err, "reading payload"))
	} else if v, err := fn(ctx, payload); err != nil {
		res.Err = serializeError(err)
	} else if res.Value, err = json.Marshal(v); err != nil {
		res.Err = serializeError(errors.Wrap(err, "encoding result"))
	}

	if err := json.NewEncoder(out).Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "isolated %s could not report its result: %v\n", name, err)
		return 1
	}
	return 0
}
