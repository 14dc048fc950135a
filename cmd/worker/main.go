// Command worker is a thin RPC client driving a Processor plugin
// against one Application Master container slot (spec.md §1(b), §4.8,
// §6): it polls getTask, runs the task, reports its outbound events
// and completion on heartbeat/canCommit, and repeats until the AM
// tells it to die.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/wire"
)

type options struct {
	amAddr       string
	appClusterTS int64
	appID        int
	containerID  int64
	pollInterval time.Duration
}

func newOptions() *options {
	return &options{
		amAddr:       "127.0.0.1:0",
		appID:        1,
		containerID:  1,
		pollInterval: 500 * time.Millisecond,
	}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.amAddr, "am-addr", o.amAddr, "Application Master task-attempt listener address")
	cmd.Flags().Int64Var(&o.appClusterTS, "app-cluster-timestamp", 0, "cluster timestamp component of this container's application id")
	cmd.Flags().IntVar(&o.appID, "app-id", o.appID, "numeric component of this container's application id")
	cmd.Flags().Int64Var(&o.containerID, "container-id", o.containerID, "this worker's container id, as assigned by the resource manager")
	cmd.Flags().DurationVar(&o.pollInterval, "poll-interval", o.pollInterval, "getTask poll interval while idle")
}

func (o *options) run(cmd *cobra.Command) error {
	conn, err := net.Dial("tcp", o.amAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	cc := wire.ContainerContext{
		ContainerID: ids.ContainerId{App: ids.ApplicationId{ClusterTimestamp: o.appClusterTS, ID: o.appID}, ID: o.containerID},
		Pid:         os.Getpid(),
		Hostname:    hostname,
	}

	w := &worker{conn: conn, cc: cc, proc: passthroughProcessor{}, pollInterval: o.pollInterval}
	return w.loop(cmd.Context())
}

// worker drives the getTask/canCommit/heartbeat cycle over one
// persistent connection to the AM, matching spec.md §6's "one
// connection per worker process".
type worker struct {
	conn         net.Conn
	cc           wire.ContainerContext
	proc         Processor
	pollInterval time.Duration
	requestID    int64
}

func (w *worker) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := w.call(wire.Request{Op: wire.OpGetTask, GetTask: w.cc})
		if err != nil {
			return err
		}
		if resp.Err != "" {
			log.Printf("getTask error: %s", resp.Err)
			time.Sleep(w.pollInterval)
			continue
		}
		if resp.GetTask.ShouldDie {
			log.Printf("am ordered this container to die")
			return nil
		}
		if resp.GetTask.Task == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
			}
			continue
		}
		if err := w.runTask(ctx, resp.GetTask.Task); err != nil {
			log.Printf("task %s failed: %v", resp.GetTask.Task.Attempt, err)
		}
	}
}

// runTask executes one task attempt end to end: run the processor,
// ship its outbound events on a heartbeat, then ask permission to
// finish via canCommit (spec.md §4.3's "calls back to the AM" before
// TA_SUCCEEDED — the AM folds completion-reporting and commit
// arbitration into the same RPC whether or not the attempt actually
// needs a commit).
func (w *worker) runTask(ctx context.Context, t *wire.Task) error {
	events, err := w.proc.Run(t)
	if err != nil {
		return w.reportFailure(t, err)
	}

	w.requestID++
	hbResp, err := w.call(wire.Request{
		Op: wire.OpHeartbeat,
		Heartbeat: wire.Heartbeat{
			ContainerID:    w.cc.ContainerID,
			RequestID:      w.requestID,
			CurrentAttempt: &t.Attempt,
			Events:         events,
			MaxEvents:      256,
		},
	})
	if err != nil {
		return err
	}
	if hbResp.Heartbeat.ShouldDie {
		return nil
	}

	commitResp, err := w.call(wire.Request{Op: wire.OpCanCommit, CanCommit: t.Attempt})
	if err != nil {
		return err
	}
	if commitResp.Err != "" {
		log.Printf("canCommit error for %s: %s", t.Attempt, commitResp.Err)
		return nil
	}
	log.Printf("task %s finished, commit granted=%v", t.Attempt, commitResp.CanCommit)
	return nil
}

func (w *worker) reportFailure(t *wire.Task, cause error) error {
	w.requestID++
	_, err := w.call(wire.Request{
		Op: wire.OpHeartbeat,
		Heartbeat: wire.Heartbeat{
			ContainerID:    w.cc.ContainerID,
			RequestID:      w.requestID,
			CurrentAttempt: &t.Attempt,
			Events: []wire.TezEvent{{
				Kind:           wire.KindInputReadError,
				InputReadError: wire.InputReadErrorEvent{Diagnostics: cause.Error()},
			}},
			MaxEvents: 256,
		},
	})
	return err
}

func (w *worker) call(req wire.Request) (wire.Response, error) {
	if err := wire.WriteFrame(w.conn, req); err != nil {
		return wire.Response{}, err
	}
	var resp wire.Response
	if err := wire.ReadFrame(w.conn, &resp); err != nil {
		return wire.Response{}, err
	}
	return resp, nil
}

// NewCmdWorker builds the `worker` cobra command.
func NewCmdWorker() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "worker",
		Short: "Start a tez-am worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(command)
	return command
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := NewCmdWorker().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
