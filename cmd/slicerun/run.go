package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/slicerun/internal/accel"
	"github.com/determined-ai/slicerun/internal/cluster"
	"github.com/determined-ai/slicerun/internal/isolate"
	"github.com/determined-ai/slicerun/internal/launch"
	"github.com/determined-ai/slicerun/internal/options"
	"github.com/determined-ai/slicerun/internal/orchestrator"
	"github.com/determined-ai/slicerun/pkg/logger"
	"github.com/determined-ai/slicerun/pkg/remote"
)

const (
	dockerRunFunc   = "docker-run"
	shutdownTimeout = 5 * time.Second
)

//nolint:gochecknoinit
func init() {
	isolate.Register(dockerRunFunc, runDockerIsolated)
}

func newRunCmd() *cobra.Command {
	var env map[string]string
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command...]",
		Short: "run a container on every host of a set of TPU slices until it succeeds",
		Args:  cobra.ArbitraryArgs,
	}
	registerConfig(cmd.Flags())
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil,
		"environment variable of the container, as KEY=VALUE (repeatable)")

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		opts, err := loadOptions(args, env)
		if err != nil {
			return err
		}
		logger.SetLogrus(opts.Log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, *opts)
	}
	return cmd
}

func run(ctx context.Context, opts options.Options) error {
	printableConfig, err := opts.Printable()
	if err != nil {
		return err
	}
	log.Infof("slicerun configuration: %s", printableConfig)

	runner, err := launch.NewRunner(opts.DockerPort)
	if err != nil {
		return err
	}
	defer runner.Close()

	c, err := newCluster(ctx, opts, runner)
	if err != nil {
		return err
	}

	if opts.Metrics.Enabled {
		server := newMetricsServer()
		go func() {
			if err := startMetricsServer(server, opts.Metrics); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	o := orchestrator.New(c,
		orchestrator.WithTimeouts(opts.Timeouts.Pool()),
		orchestrator.WithPollInterval(opts.PollInterval()),
	)
	results, err := o.Run(ctx, newTask(runner, opts), opts.RunConfig())
	if err != nil {
		return err
	}
	log.Infof("%s finished on %d hosts", opts.Name, len(results))
	return nil
}

func newCluster(ctx context.Context, opts options.Options, runner *launch.Runner) (cluster.Cluster, error) {
	remover := runner.LockfileRemover(opts.JanitorImage, accel.DefaultLockfile, func(ctx context.Context) error {
		return accel.RemoveLockfile(ctx, accel.DefaultLockfile)
	})

	switch opts.Cluster {
	case options.LocalCluster:
		c, err := cluster.NewLocal(ctx, opts.LocalChips, remover)
		if err != nil {
			return nil, err
		}
		return c, nil
	case options.StaticCluster:
		return cluster.NewStatic(opts.StaticSlices, remover), nil
	case options.GCPCluster:
		config := *opts.GCP
		if err := config.InitDefaultValues(); err != nil {
			return nil, err
		}
		c, err := cluster.NewTPU(ctx, config, remover)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown cluster %q", opts.Cluster)
	}
}

// dockerRunPayload is what an isolated child needs to launch one host's container.
type dockerRunPayload struct {
	Placement  remote.Placement `json:"placement"`
	Spec       launch.RunSpec   `json:"spec"`
	DockerPort int              `json:"docker_port"`
}

func newTask(runner *launch.Runner, opts options.Options) remote.Task {
	spec := opts.RunSpec()
	if !opts.Isolate {
		return runner.Task(spec)
	}
	t := isolate.Task(dockerRunFunc, func(p remote.Placement) any {
		return dockerRunPayload{Placement: p, Spec: spec, DockerPort: opts.DockerPort}
	})
	t.Env = launch.MassageEnv(spec.Env)
	return t
}

func runDockerIsolated(ctx context.Context, raw json.RawMessage) (any, error) {
	var payload dockerRunPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "decoding docker run payload")
	}
	runner, err := launch.NewRunner(payload.DockerPort)
	if err != nil {
		return nil, err
	}
	defer runner.Close()
	if err := runner.Run(ctx, payload.Placement, payload.Spec); err != nil {
		return nil, err
	}
	return 0, nil
}
