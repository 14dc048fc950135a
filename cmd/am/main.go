// Command am is the Application Master process entrypoint (spec.md §1,
// §6): it parses the AM's configuration, wires appmaster.AppMaster with
// placeholder resource-manager/node-manager clients (the real ones are
// external collaborators, spec.md §1(a)), optionally submits one DAG
// read from a JSON file, and runs until the process is signalled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/appmaster"
	"github.com/flowdag/tez-am/internal/config"
	"github.com/flowdag/tez-am/internal/dag"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/logutil"
	"github.com/flowdag/tez-am/internal/metrics"
)

var (
	errNoResourceManager = errors.New("no resource manager wired into this AM process")
	errNoNodeManager     = errors.New("no node manager wired into this AM process")
)

// options defines flags for the `am` command, following the
// options/complete/run split of pingcap/tiflow's
// engine/pkg/cmd/executor.
type options struct {
	cfg *config.Config

	appClusterTimestamp int64
	appID                int
	dagSpecPath          string
}

func newOptions() *options {
	return &options{cfg: config.Default()}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.cfg.LogLevel, "log-level", o.cfg.LogLevel, "log level (debug|info|warn|error)")
	cmd.Flags().IntVar(&o.cfg.TaskListenerThreads, "task-listener-threads", o.cfg.TaskListenerThreads, "task-attempt listener handler pool size")
	cmd.Flags().StringVar(&o.cfg.ProfileJVMOpts, "profile-jvm-opts", o.cfg.ProfileJVMOpts, "JVM opts appended to profiled containers' launch command")
	cmd.Flags().IntVar(&o.cfg.TaskMaxAttempts, "task-max-attempts", o.cfg.TaskMaxAttempts, "default per-task attempt budget")
	cmd.Flags().Float64Var(&o.cfg.VertexFailureTolerance, "vertex-failure-tolerance", o.cfg.VertexFailureTolerance, "default fraction of a vertex's tasks allowed to fail")
	cmd.Flags().DurationVar(&o.cfg.HeartbeatInterval, "heartbeat-interval", o.cfg.HeartbeatInterval, "expected worker heartbeat interval")
	cmd.Flags().DurationVar(&o.cfg.HeartbeatTimeout, "heartbeat-timeout", o.cfg.HeartbeatTimeout, "canCommit arbitration wait timeout")
	cmd.Flags().StringVar(&o.cfg.ListenAddr, "listen-addr", o.cfg.ListenAddr, "task-attempt listener bind address")
	cmd.Flags().StringVar(&o.cfg.MetricsAddr, "metrics-addr", o.cfg.MetricsAddr, "/metrics endpoint bind address")
	cmd.Flags().IntVar(&o.cfg.RMWorkers, "rm-workers", o.cfg.RMWorkers, "resource-manager communicator worker pool size")
	cmd.Flags().IntVar(&o.cfg.NMWorkers, "nm-workers", o.cfg.NMWorkers, "node-manager communicator worker pool size")

	cmd.Flags().Int64Var(&o.appClusterTimestamp, "app-cluster-timestamp", 0, "cluster timestamp component of this AM's application id")
	cmd.Flags().IntVar(&o.appID, "app-id", 1, "numeric component of this AM's application id")
	cmd.Flags().StringVar(&o.dagSpecPath, "dag-spec", "", "path to a JSON-encoded dag.Spec to submit at startup")
}

// complete validates the configuration assembled directly onto o.cfg by
// addFlags (no separate config-file layer exists yet to reconcile).
func (o *options) complete(cmd *cobra.Command) error {
	return o.cfg.Adjust()
}

func (o *options) run(cmd *cobra.Command) error {
	log, err := logutil.New(o.cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	app := ids.ApplicationId{ClusterTimestamp: o.appClusterTimestamp, ID: o.appID}
	reg := metrics.NewRegistry()

	am, err := appmaster.New(o.cfg, app, log, reg, &loggingRMClient{log: log}, &loggingNMClient{log: log})
	if err != nil {
		return err
	}

	if o.dagSpecPath != "" {
		spec, err := loadDagSpec(o.dagSpecPath)
		if err != nil {
			return err
		}
		id, err := am.Submit(spec)
		if err != nil {
			return err
		}
		log.Info("dag submitted", zap.String("dag", id.String()))
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("application master starting", zap.String("app", app.String()))
	if err := am.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("application master exited with error", zap.Error(err))
		return err
	}
	log.Info("application master exited")
	return nil
}

func loadDagSpec(path string) (dag.Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return dag.Spec{}, err
	}
	defer f.Close()
	var spec dag.Spec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return dag.Spec{}, err
	}
	return spec, nil
}

// NewCmdAM builds the `am` cobra command.
func NewCmdAM() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "am",
		Short: "Start a tez-am Application Master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}
	o.addFlags(command)
	return command
}

func main() {
	if err := NewCmdAM().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
