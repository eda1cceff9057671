//nolint:exhaustruct

package options

import (
	"strings"
	"testing"
	"time"

	"github.com/ghodss/yaml"
	"github.com/google/go-cmp/cmp"
	"gotest.tools/assert"

	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/pkg/check"
	"github.com/determined-ai/slicerun/pkg/logger"
	"github.com/determined-ai/slicerun/pkg/model"
)

func TestUnmarshalOptions(t *testing.T) {
	type OptionsUnmarshaledTestCase struct {
		name     string
		raw      string
		expected Options
	}

	optionsTests := []OptionsUnmarshaledTestCase{
		{
			name: "string_command",
			raw: `
image_id: ghcr.io/stanford-crfm/levanter:latest
command: python -m levanter.main.train_lm --config "config/gpt2 small.yaml"
tpu_type: v4-32
`,
			expected: Options{
				ImageID: "ghcr.io/stanford-crfm/levanter:latest",
				Command: Command{
					"python", "-m", "levanter.main.train_lm", "--config", "config/gpt2 small.yaml",
				},
				TPUType: "v4-32",
			},
		},
		{
			name: "list_command_with_log",
			raw: `
image_id: levanter
command: [python, train.py]
tpu_type: v5litepod-16
node_count: 2
env:
    WANDB_API_KEY: secret
log:
    level: debug
    color: false
`,
			expected: Options{
				ImageID:   "levanter",
				Command:   Command{"python", "train.py"},
				TPUType:   "v5litepod-16",
				NodeCount: 2,
				Env:       map[string]string{"WANDB_API_KEY": "secret"},
				Log: logger.Config{
					Level: "debug",
					Color: false,
				},
			},
		},
		{
			name: "static_cluster",
			raw: `
cluster: static
static_slices:
    - name: pod-a
      accelerator_type: v4-16
      hosts: [10.0.0.2, 10.0.0.3]
timeouts:
    health_check: 30s
    poll: 5
`,
			expected: Options{
				Cluster: StaticCluster,
				StaticSlices: []cluster.SliceSpec{{
					Name:            "pod-a",
					AcceleratorType: "v4-16",
					Hosts:           []string{"10.0.0.2", "10.0.0.3"},
				}},
				Timeouts: TimeoutsOptions{
					HealthCheck: model.Duration(30 * time.Second),
					Poll:        model.Duration(5 * time.Second),
				},
			},
		},
		{
			name: "default_options_config",
			raw: `
name: slicerun
shm_size: 32gb
node_count: 1
retries: 10
preemption_retries: 10000
cluster: local
local_chips: 4
gcp: {}
docker_port: 2375
janitor_image: busybox:stable
timeouts:
    health_check: 60s
    teardown: 300s
    terminate: 300s
    start: 168h
    poll: 10s
metrics:
    enabled: false
    bind_ip: 0.0.0.0
    bind_port: 9090
log:
    level: info
    color: true
`,
			expected: *DefaultOptions(),
		},
	}

	for _, tc := range optionsTests {
		t.Run(tc.name, func(t *testing.T) {
			unmarshaled := Options{}
			err := yaml.Unmarshal([]byte(tc.raw), &unmarshaled, yaml.DisallowUnknownFields)
			assert.NilError(t, err)
			assert.DeepEqual(t, tc.expected, unmarshaled)
		})
	}
}

func TestUnmarshalRejectsUnknownFields(t *testing.T) {
	var opts Options
	err := yaml.Unmarshal([]byte("tpu_tpye: v4-8\n"), &opts, yaml.DisallowUnknownFields)
	assert.ErrorContains(t, err, "tpu_tpye")
}

func TestUnmarshalBadCommand(t *testing.T) {
	var opts Options
	err := yaml.Unmarshal([]byte("command: 'python \"unterminated'\n"), &opts)
	assert.ErrorContains(t, err, "splitting command")

	err = yaml.Unmarshal([]byte("command: {a: b}\n"), &opts)
	assert.ErrorContains(t, err, "string or a list of strings")
}

func validOptions() *Options {
	opts := DefaultOptions()
	opts.ImageID = "levanter"
	opts.Command = Command{"python", "train.py"}
	opts.TPUType = "v4-8"
	return opts
}

func TestValidate(t *testing.T) {
	assert.NilError(t, check.Validate(*validOptions()))

	err := check.Validate(*DefaultOptions())
	assert.ErrorContains(t, err, "image_id must be provided")
	assert.ErrorContains(t, err, "command must be provided")
	assert.ErrorContains(t, err, "tpu_type must be provided")

	static := validOptions()
	static.Cluster = StaticCluster
	assert.ErrorContains(t, check.Validate(*static), "static_slices must be provided")

	static.StaticSlices = []cluster.SliceSpec{{Name: "pod-a", AcceleratorType: "v4-8"}}
	assert.ErrorContains(t, check.Validate(*static), "slice pod-a has no hosts")

	bad := validOptions()
	bad.Cluster = "k8s"
	bad.Timeouts.Poll = 0
	bad.Log.Level = "loud"
	err = check.Validate(*bad)
	assert.ErrorContains(t, err, "unknown cluster")
	assert.ErrorContains(t, err, "timeouts.poll must be positive")
	assert.ErrorContains(t, err, "loud")
}

func TestResolve(t *testing.T) {
	opts := Options{Cluster: GCPCluster}
	opts.Resolve()
	assert.Equal(t, opts.Name, "slicerun")
	assert.Equal(t, opts.JanitorImage, DefaultJanitorImage)
	assert.Assert(t, cmp.Equal(opts.GCP, cluster.DefaultTPUConfig()), cmp.Diff(opts.GCP, cluster.DefaultTPUConfig()))
}

func TestDerivedConfig(t *testing.T) {
	opts := validOptions()
	opts.NodeCount = 4
	opts.Env = map[string]string{"A": "1"}

	config := opts.RunConfig()
	assert.Equal(t, config.AcceleratorType, "v4-8")
	assert.Equal(t, config.NumSlices, 4)
	assert.Equal(t, config.MaxPreemptionRetries, 10000)
	assert.Equal(t, config.MaxFailureRetries, 10)

	spec := opts.RunSpec()
	assert.Equal(t, spec.Name, "slicerun")
	assert.Equal(t, spec.Image, "levanter")
	assert.DeepEqual(t, spec.Command, []string{"python", "train.py"})
	assert.DeepEqual(t, spec.Env, map[string]string{"A": "1"})

	timeouts := opts.Timeouts.Pool()
	assert.Equal(t, timeouts.HealthCheck, time.Minute)
	assert.Equal(t, timeouts.Start, 7*24*time.Hour)
	assert.Equal(t, opts.PollInterval(), 10*time.Second)
}

func TestPrintable(t *testing.T) {
	bs, err := validOptions().Printable()
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(bs), `"health_check":"1m0s"`))
}
