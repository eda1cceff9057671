// Package launch runs a task's container on the hosts of a slice through each host's docker daemon.
package launch

import (
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/determined-ai/slicerun/pkg/remote"
)

// Labels set on every container this package starts.
const (
	ManagedLabel = "ai.slicerun.managed"
	SliceLabel   = "ai.slicerun.slice"
	WorkerLabel  = "ai.slicerun.worker-index"
)

// Defaults for RunSpec.
const (
	DefaultName         = "slicerun"
	DefaultShmSize      = "32gb"
	DefaultVolumeTarget = "/home/slicerun"
)

// RunSpec describes the container run on every host.
type RunSpec struct {
	// Name is the container name. A stale container of the same name is removed before each run.
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	ShmSize string            `json:"shm_size"`
	// Volume is a named docker volume mounted at VolumeTarget so that caches survive restarts.
	Volume       string `json:"volume"`
	VolumeTarget string `json:"volume_target"`
}

// WithDefaults fills in unset fields.
func (s RunSpec) WithDefaults() RunSpec {
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.ShmSize == "" {
		s.ShmSize = DefaultShmSize
	}
	if s.Volume == "" {
		s.Volume = s.Name
	}
	if s.VolumeTarget == "" {
		s.VolumeTarget = DefaultVolumeTarget
	}
	return s
}

// Validate implements the check.Validatable interface.
func (s RunSpec) Validate() []error {
	var errs []error
	if s.Image == "" {
		errs = append(errs, errors.New("an image is required"))
	}
	if len(s.Command) == 0 {
		errs = append(errs, errors.New("a command is required"))
	}
	if s.ShmSize != "" {
		if _, err := units.RAMInBytes(s.ShmSize); err != nil {
			errs = append(errs, errors.Wrapf(err, "invalid shm size %q", s.ShmSize))
		}
	}
	return errs
}

// MassageEnv returns env with defaults that keep containerized output readable when there is no
// terminal attached. Values already in env win.
func MassageEnv(env map[string]string) map[string]string {
	massaged := map[string]string{
		"TERM":                 "dumb",
		"TF_CPP_MIN_LOG_LEVEL": "3",
	}
	maps.Copy(massaged, env)
	return massaged
}

// Argv renders the run as the equivalent docker CLI invocation, with env as the container's
// environment.
func (s RunSpec) Argv(env map[string]string) []string {
	s = s.WithDefaults()
	argv := []string{
		"docker", "run", "-t",
		"--name=" + s.Name,
		"--privileged",
		"--shm-size=" + s.ShmSize,
		"--net=host",
		"--init",
		"--mount", fmt.Sprintf("type=volume,source=%s,target=%s", s.Volume, s.VolumeTarget),
		"-v", "/tmp:/tmp",
	}
	for _, kv := range envList(env) {
		argv = append(argv, "-e", kv)
	}
	argv = append(argv, s.Image)
	return append(argv, s.Command...)
}

// containerConfig builds the container for one host.
func (s RunSpec) containerConfig(p remote.Placement) (*container.Config, *container.HostConfig, error) {
	s = s.WithDefaults()
	shm, err := units.RAMInBytes(s.ShmSize)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid shm size %q", s.ShmSize)
	}
	init := true
	return &container.Config{
			Image: s.Image,
			Cmd:   s.Command,
			Env:   envList(p.Env),
			Labels: map[string]string{
				ManagedLabel: "true",
				SliceLabel:   p.Slice,
				WorkerLabel:  strconv.Itoa(p.WorkerIndex),
			},
		}, &container.HostConfig{
			Privileged:  true,
			NetworkMode: "host",
			Init:        &init,
			ShmSize:     shm,
			Binds:       []string{"/tmp:/tmp"},
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: s.Volume,
				Target: s.VolumeTarget,
			}},
		}, nil
}

func envList(env map[string]string) []string {
	keys := maps.Keys(env)
	slices.Sort(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
