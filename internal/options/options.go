// Package options holds the configuration of the slicerun binary.
package options

import (
	"encoding/json"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/internal/launch"
	"github.com/determined-ai/slicerun/internal/orchestrator"
	"github.com/determined-ai/slicerun/internal/pool"
	"github.com/determined-ai/slicerun/pkg/check"
	"github.com/determined-ai/slicerun/pkg/logger"
	"github.com/determined-ai/slicerun/pkg/model"
)

// Cluster kinds.
const (
	LocalCluster  = "local"
	StaticCluster = "static"
	GCPCluster    = "gcp"
)

// DefaultJanitorImage is the image used to clear lockfiles on remote hosts.
const DefaultJanitorImage = "busybox:stable"

// Options stores all the configurable options of a run.
type Options struct {
	ConfigFile string `json:"config_file"`

	ImageID   string            `json:"image_id"`
	Command   Command           `json:"command"`
	TPUType   string            `json:"tpu_type"`
	Env       map[string]string `json:"env"`
	Name      string            `json:"name"`
	ShmSize   string            `json:"shm_size"`
	NodeCount int               `json:"node_count"`

	Retries           int `json:"retries"`
	PreemptionRetries int `json:"preemption_retries"`

	Cluster      string              `json:"cluster"`
	LocalChips   int                 `json:"local_chips"`
	StaticSlices []cluster.SliceSpec `json:"static_slices"`
	GCP          *cluster.TPUConfig  `json:"gcp"`

	DockerPort   int    `json:"docker_port"`
	JanitorImage string `json:"janitor_image"`

	// Isolate runs each host's launcher in a child process.
	Isolate bool `json:"isolate"`

	Timeouts TimeoutsOptions `json:"timeouts"`
	Metrics  MetricsOptions  `json:"metrics"`
	Log      logger.Config   `json:"log"`
}

// TimeoutsOptions bound each step of a worker's lifecycle, and set how often a run polls.
type TimeoutsOptions struct {
	HealthCheck model.Duration `json:"health_check"`
	Teardown    model.Duration `json:"teardown"`
	Terminate   model.Duration `json:"terminate"`
	Start       model.Duration `json:"start"`
	Poll        model.Duration `json:"poll"`
}

// Validate implements the check.Validatable interface.
func (t TimeoutsOptions) Validate() []error {
	return []error{
		check.GreaterThan(t.HealthCheck, 0, "timeouts.health_check must be positive"),
		check.GreaterThan(t.Teardown, 0, "timeouts.teardown must be positive"),
		check.GreaterThan(t.Terminate, 0, "timeouts.terminate must be positive"),
		check.GreaterThan(t.Start, 0, "timeouts.start must be positive"),
		check.GreaterThan(t.Poll, 0, "timeouts.poll must be positive"),
	}
}

// Pool returns the worker lifecycle timeouts.
func (t TimeoutsOptions) Pool() pool.Timeouts {
	return pool.Timeouts{
		HealthCheck: t.HealthCheck.Std(),
		Teardown:    t.Teardown.Std(),
		Terminate:   t.Terminate.Std(),
		Start:       t.Start.Std(),
	}
}

// MetricsOptions configures the Prometheus endpoint.
type MetricsOptions struct {
	Enabled  bool   `json:"enabled"`
	BindIP   string `json:"bind_ip"`
	BindPort int    `json:"bind_port"`
}

// Command is the command run in the container. It reads from JSON as either a list of arguments
// or a single string, which is split the way a shell would.
type Command []string

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *Command) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		args, err := shlex.Split(line)
		if err != nil {
			return errors.Wrapf(err, "splitting command %q", line)
		}
		*c = args
		return nil
	}
	var args []string
	if err := json.Unmarshal(data, &args); err != nil {
		return errors.Wrap(err, "command must be a string or a list of strings")
	}
	*c = args
	return nil
}

// DefaultOptions returns the default configuration of a run.
func DefaultOptions() *Options {
	p := pool.DefaultTimeouts()
	return &Options{
		Name:              launch.DefaultName,
		ShmSize:           launch.DefaultShmSize,
		NodeCount:         1,
		Retries:           orchestrator.DefaultMaxFailureRetries,
		PreemptionRetries: orchestrator.DefaultMaxPreemptionRetries,
		Cluster:           LocalCluster,
		LocalChips:        4,
		GCP:               cluster.DefaultTPUConfig(),
		DockerPort:        launch.DefaultDockerPort,
		JanitorImage:      DefaultJanitorImage,
		Timeouts: TimeoutsOptions{
			HealthCheck: model.Duration(p.HealthCheck),
			Teardown:    model.Duration(p.Teardown),
			Terminate:   model.Duration(p.Terminate),
			Start:       model.Duration(p.Start),
			Poll:        model.Duration(orchestrator.DefaultPollInterval),
		},
		Metrics: MetricsOptions{
			BindIP:   "0.0.0.0",
			BindPort: 9090,
		},
		Log: *logger.DefaultConfig(),
	}
}

// Validate validates the state of the Options struct.
func (o Options) Validate() []error {
	errs := []error{
		check.NotEmpty(o.ImageID, "image_id must be provided"),
		check.True(len(o.Command) > 0, "command must be provided"),
		check.NotEmpty(o.TPUType, "tpu_type must be provided"),
		check.GreaterThan(o.NodeCount, 0, "node_count must be positive"),
		check.GreaterThanOrEqualTo(o.Retries, 0, "retries must not be negative"),
		check.GreaterThanOrEqualTo(o.PreemptionRetries, 0, "preemption_retries must not be negative"),
		check.In(o.Cluster, []string{LocalCluster, StaticCluster, GCPCluster}, "unknown cluster"),
		check.GreaterThan(o.DockerPort, 0, "docker_port must be positive"),
	}
	switch o.Cluster {
	case LocalCluster:
		errs = append(errs, check.GreaterThan(o.LocalChips, 0, "local_chips must be positive"))
	case StaticCluster:
		errs = append(errs, check.True(len(o.StaticSlices) > 0, "static_slices must be provided"))
	case GCPCluster:
		errs = append(errs, check.True(o.GCP != nil, "gcp must be provided"))
	}
	if o.Metrics.Enabled {
		errs = append(errs, check.GreaterThan(o.Metrics.BindPort, 0, "metrics.bind_port must be positive"))
	}
	return errs
}

// Printable returns a printable string.
func (o Options) Printable() ([]byte, error) {
	optJSON, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert config to JSON")
	}
	return optJSON, nil
}

// Resolve fully resolves the configuration, handling dynamic defaults.
func (o *Options) Resolve() {
	if o.Name == "" {
		o.Name = launch.DefaultName
	}
	if o.JanitorImage == "" {
		o.JanitorImage = DefaultJanitorImage
	}
	if o.Cluster == GCPCluster && o.GCP == nil {
		o.GCP = cluster.DefaultTPUConfig()
	}
}

// RunSpec returns the container every host runs.
func (o Options) RunSpec() launch.RunSpec {
	return launch.RunSpec{
		Name:    o.Name,
		Image:   o.ImageID,
		Command: o.Command,
		Env:     o.Env,
		ShmSize: o.ShmSize,
	}.WithDefaults()
}

// RunConfig returns the orchestrator's view of the run.
func (o Options) RunConfig() orchestrator.RunConfig {
	return orchestrator.RunConfig{
		AcceleratorType:      o.TPUType,
		NumSlices:            o.NodeCount,
		MaxPreemptionRetries: o.PreemptionRetries,
		MaxFailureRetries:    o.Retries,
	}
}

// PollInterval returns how often a run checks on its slices.
func (o Options) PollInterval() time.Duration {
	return o.Timeouts.Poll.Std()
}
