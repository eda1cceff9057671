package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/determined-ai/slicerun/internal/options"
	"github.com/determined-ai/slicerun/pkg/check"
	"github.com/determined-ai/slicerun/pkg/remote"
)

const defaultConfigPath = "/etc/slicerun/slicerun.yaml"

var v *viper.Viper

// viperKeyDelimiter marks nested values in the configuration. It is ".." rather than "." so that
// keys holding dots, like hostnames, are not split into objects.
const viperKeyDelimiter = ".."

type configKey []string

func (c configKey) EnvName() string {
	return "SLICERUN_" + strings.ReplaceAll(strings.ToUpper(c.FlagName()), "-", "_")
}

func (c configKey) AccessPath() string {
	return strings.ReplaceAll(strings.Join(c, viperKeyDelimiter), "-", "_")
}

func (c configKey) FlagName() string {
	return strings.Join(c, "-")
}

func register[T any](
	define func(name string, value T, usage string) *T, flags *pflag.FlagSet,
	name configKey, value T, usage string,
) {
	define(name.FlagName(), value, usage)
	_ = v.BindEnv(name.AccessPath(), name.EnvName())
	_ = v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	v.SetDefault(name.AccessPath(), value)
}

// registerConfig binds every scalar option to a flag, an environment variable and its default.
// Lists and maps, like the command and the environment, come from the config file or dedicated
// flags.
func registerConfig(flags *pflag.FlagSet) {
	v = viper.NewWithOptions(viper.KeyDelimiter(viperKeyDelimiter))
	v.SetTypeByDefaultValue(true)

	defaults := options.DefaultOptions()
	name := func(components ...string) configKey { return components }
	duration := func(d interface{ Std() time.Duration }) string { return d.Std().String() }

	register(flags.String, flags, name("config-file"), defaults.ConfigFile, "location of config file")

	register(flags.String, flags, name("image-id"), defaults.ImageID, "container image to run")
	register(flags.String, flags, name("tpu-type"), defaults.TPUType, "accelerator type of each slice, like v4-32")
	register(flags.String, flags, name("name"), defaults.Name, "container name")
	register(flags.String, flags, name("shm-size"), defaults.ShmSize, "container shared memory size")
	register(flags.Int, flags, name("node-count"), defaults.NodeCount, "number of slices")

	register(flags.Int, flags, name("retries"), defaults.Retries,
		"how many times the run may fail before giving up")
	register(flags.Int, flags, name("preemption-retries"), defaults.PreemptionRetries,
		"how many times the run may be preempted before giving up")

	register(flags.String, flags, name("cluster"), defaults.Cluster,
		"where slices come from: local, static or gcp")
	register(flags.Int, flags, name("local-chips"), defaults.LocalChips,
		"chips claimed by the local slice when not on a TPU VM")
	register(flags.String, flags, name("gcp", "project"), defaults.GCP.Project, "Cloud TPU project")
	register(flags.String, flags, name("gcp", "zone"), defaults.GCP.Zone, "Cloud TPU zone")
	register(flags.String, flags, name("gcp", "runtime-version"), defaults.GCP.RuntimeVersion,
		"runtime version of created TPU nodes")
	register(flags.Bool, flags, name("gcp", "create-missing"), defaults.GCP.CreateMissing,
		"create TPU nodes when none are free")
	register(flags.Bool, flags, name("gcp", "spot"), defaults.GCP.Spot, "create spot TPU nodes")

	register(flags.Int, flags, name("docker-port"), defaults.DockerPort, "port of remote docker daemons")
	register(flags.String, flags, name("janitor-image"), defaults.JanitorImage,
		"image used to clear lockfiles on remote hosts")
	register(flags.Bool, flags, name("isolate"), defaults.Isolate,
		"launch each host's container from a child process")

	register(flags.String, flags, name("timeouts", "health-check"), duration(defaults.Timeouts.HealthCheck),
		"how long a health check may take")
	register(flags.String, flags, name("timeouts", "teardown"), duration(defaults.Timeouts.Teardown),
		"how long a worker may take to tear down")
	register(flags.String, flags, name("timeouts", "terminate"), duration(defaults.Timeouts.Terminate),
		"how long a worker may take to exit")
	register(flags.String, flags, name("timeouts", "start"), duration(defaults.Timeouts.Start),
		"how long acquiring a slice may take")
	register(flags.String, flags, name("timeouts", "poll"), duration(defaults.Timeouts.Poll),
		"how often a running attempt checks on its slices")

	register(flags.Bool, flags, name("metrics", "enabled"), defaults.Metrics.Enabled,
		"serve Prometheus metrics")
	register(flags.String, flags, name("metrics", "bind-ip"), defaults.Metrics.BindIP,
		"IP address the metrics server binds to")
	register(flags.Int, flags, name("metrics", "bind-port"), defaults.Metrics.BindPort,
		"port the metrics server binds to")

	register(flags.String, flags, name("log", "level"), defaults.Log.Level,
		"choose logging level from [trace, debug, info, warn, error, fatal]")
	register(flags.Bool, flags, name("log", "color"), defaults.Log.Color, "output logs in color")
	register(flags.Bool, flags, name("log", "json"), defaults.Log.JSON, "output logs as JSON")
}

// loadOptions resolves the configuration with the precedence flag > environment > config file >
// default. A non-empty args replaces the configured command; env is layered over the configured
// environment.
func loadOptions(args []string, env map[string]string) (*options.Options, error) {
	// Retrieve current Viper settings, which should presently be either default config values
	// or flags that overwrote them, to find the config file.
	opts, err := settings()
	if err != nil {
		return nil, err
	}

	bs, err := readConfigFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts, err = mergeConfigIntoViper(bs); err != nil {
		return nil, err
	}

	// Viper folds the case of map keys, which environment variable names cannot survive.
	fileEnv, err := envFromConfig(bs)
	if err != nil {
		return nil, err
	}
	opts.Env = remote.MergeEnv(fileEnv, env)
	if len(args) > 0 {
		opts.Command = args
	}

	opts.Resolve()
	if err := check.Validate(*opts); err != nil {
		return nil, errors.Wrap(err, "command-line arguments specify illegal configuration")
	}
	return opts, nil
}

func settings() (*options.Options, error) {
	bs, err := json.Marshal(v.AllSettings())
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal configuration map into json bytes")
	}
	opts := &options.Options{}
	if err = yaml.Unmarshal(bs, opts, yaml.DisallowUnknownFields); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal configuration")
	}
	return opts, nil
}

func mergeConfigIntoViper(bs []byte) (*options.Options, error) {
	var configMap map[string]interface{}
	if err := yaml.Unmarshal(bs, &configMap); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal yaml configuration file")
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return nil, errors.Wrap(err, "can't merge configuration to viper")
	}
	return settings()
}

func envFromConfig(bs []byte) (map[string]string, error) {
	var config struct {
		Env map[string]string `json:"env"`
	}
	if err := yaml.Unmarshal(bs, &config); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal env from configuration file")
	}
	return config.Env, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	isDefault := configPath == ""
	if isDefault {
		configPath = defaultConfigPath
	}

	var err error
	if _, err = os.Stat(configPath); err != nil {
		if isDefault && os.IsNotExist(err) {
			log.Debugf("no configuration file at %s, skipping", configPath)
			return nil, nil
		}
		return nil, errors.Wrap(err, "error finding configuration file")
	}
	bs, err := os.ReadFile(configPath) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "error reading configuration file")
	}
	return bs, nil
}
