// Package appmaster is the AM's composition root (spec.md §4.9): it
// wires every entity machine, communicator and the task-attempt
// listener onto one event.Bus, and exposes Submit/Run to cmd/am.
package appmaster

import (
	"context"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/config"
	"github.com/flowdag/tez-am/internal/container"
	"github.com/flowdag/tez-am/internal/dag"
	"github.com/flowdag/tez-am/internal/dagsm"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/listener"
	"github.com/flowdag/tez-am/internal/metrics"
	"github.com/flowdag/tez-am/internal/nm"
	"github.com/flowdag/tez-am/internal/nodeblacklist"
	"github.com/flowdag/tez-am/internal/rm"
	"github.com/flowdag/tez-am/internal/scheduler"
	"github.com/flowdag/tez-am/internal/task"
	"github.com/flowdag/tez-am/internal/vertex"
)

// AppMaster owns every wired machine and runs for the lifetime of one
// AM process, potentially across more than one submitted DAG (spec.md
// §4.3).
type AppMaster struct {
	log *zap.Logger
	cfg *config.Config
	app ids.ApplicationId

	metrics *metrics.Registry
	bus     *event.Bus

	blacklist  *nodeblacklist.List
	containers *container.Machine
	attempts   *attempt.Machine
	tasks      *task.Machine
	vertices   *vertex.Machine
	dags       *dagsm.Machine
	scheduler  *scheduler.Scheduler
	listener   *listener.Listener
	rmComm     *rm.Communicator
	nmComm     *nm.Communicator

	mu        sync.Mutex
	nextDagID int

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// New constructs an AppMaster and wires every machine onto a fresh bus.
// rmClient and nmClient are the external collaborators spec.md §1(a)
// treats as out of scope to implement.
func New(cfg *config.Config, app ids.ApplicationId, log *zap.Logger, reg *metrics.Registry, rmClient rm.Client, nmClient nm.Client) (*AppMaster, error) {
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	blacklist, err := nodeblacklist.New(1024)
	if err != nil {
		return nil, err
	}

	am := &AppMaster{
		log:       log,
		cfg:       cfg,
		app:       app,
		metrics:   reg,
		blacklist: blacklist,
		fatalCh:   make(chan struct{}),
	}

	am.bus = event.NewBus(log, am.onFatal)

	am.attempts = attempt.NewMachine(log, am.bus, reg.Attempts, am.blacklist)
	am.tasks = task.NewMachine(log, am.bus, am.attempts, reg.Tasks, am.blacklist)
	am.listener = listener.New(log, am.bus, am.attempts, am.tasks, cfg.HeartbeatTimeout)
	am.attempts.SetCommitNotifier(am.listener)

	am.containers = container.NewMachine(log, am.bus, am.listener, reg.Containers, cfg.ProfileContainers, cfg.ProfileJVMOpts)
	am.dags = dagsm.NewMachine(log, am.bus, reg)
	am.vertices = vertex.NewMachine(log, am.bus, am.tasks, am.dags, reg.Vertices, cfg.TaskMaxAttempts)
	am.scheduler = scheduler.New(log, am.bus, am.dags)
	am.rmComm = rm.New(log, am.bus, rmClient, am.containers, am.blacklist)
	am.nmComm = nm.New(log, am.bus, nmClient, am.containers)

	am.bus.Register(event.KindContainer, am.containers.Handler())
	am.bus.Register(event.KindTaskAttempt, am.attempts.Handler())
	am.bus.Register(event.KindTask, am.tasks.Handler())
	am.bus.Register(event.KindVertex, am.vertices.Handler())
	am.bus.Register(event.KindDag, am.dags.Handler())
	am.bus.Register(event.KindScheduler, am.scheduler.Handler())
	am.bus.Register(event.KindRM, am.rmComm.Handler())
	am.bus.Register(event.KindNM, am.nmComm.Handler())

	return am, nil
}

// onFatal is the bus's error sink: an invariant-violation error aborts
// the whole AM process, per spec.md §7 kind 1.
func (am *AppMaster) onFatal(err error) {
	am.fatalOnce.Do(func() {
		am.fatalErr = err
		close(am.fatalCh)
	})
}

// Submit validates spec into a concrete DAG, installs every vertex
// (and transitively every task) into the entity machines, then hands
// the topology to the DAG machine, which starts every vertex. Submit
// itself never blocks on execution; the caller polls DagState to learn
// the outcome.
func (am *AppMaster) Submit(spec dag.Spec) (ids.DagId, error) {
	am.mu.Lock()
	am.nextDagID++
	id := ids.DagId{App: am.app, ID: am.nextDagID}
	am.mu.Unlock()

	topo, err := dag.Validate(id, spec)
	if err != nil {
		return ids.DagId{}, err
	}

	vertexNumTasks := make(map[string]int, len(topo.Vertices))
	for vid := range topo.Vertices {
		vertexNumTasks[vid.String()] = topo.NumTasks(vid)
	}

	for vid, vs := range topo.Vertices {
		mgr, err := dagsm.ResolveVertexManager(vs.VertexManager)
		if err != nil {
			return ids.DagId{}, err
		}
		tolerance := vs.FailureTolerance
		if tolerance < 0 {
			tolerance = am.cfg.VertexFailureTolerance
		}
		v := vertex.New(vid, vs.Name, vs.Parallelism, topo.DistanceFromRoot[vid], attempt.Resource(vs.Resource), tolerance, vs.OutputCommitter, mgr)
		if err := am.vertices.Install(v); err != nil {
			return ids.DagId{}, err
		}
	}

	if _, err := am.dags.Install(id, topo, vertexNumTasks); err != nil {
		return ids.DagId{}, err
	}
	return id, nil
}

// DagState reports a submitted DAG's current terminal/non-terminal
// state, for a caller polling toward completion.
func (am *AppMaster) DagState(id ids.DagId) (dagsm.State, bool) {
	d, ok := am.dags.Get(id)
	if !ok {
		return 0, false
	}
	return d.State, true
}

// Run starts every background goroutine — the dispatch loop, the
// RM/NM communicator worker pools, the task-attempt listener's RPC
// server, and the metrics endpoint — and blocks until ctx is cancelled
// or one of them fails. It does not return on an individual DAG's
// completion; the caller drives that via DagState.
func (am *AppMaster) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", am.cfg.ListenAddr)
	if err != nil {
		return err
	}
	am.log.Info("task-attempt listener bound", zap.String("addr", ln.Addr().String()))

	metricsSrv := &http.Server{Addr: am.cfg.MetricsAddr, Handler: am.metrics.Handler()}
	metricsLn, err := net.Listen("tcp", am.cfg.MetricsAddr)
	if err != nil {
		ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		am.bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return am.rmComm.Run(gctx, am.cfg.RMWorkers)
	})
	g.Go(func() error {
		return am.nmComm.Run(gctx, am.cfg.NMWorkers)
	})
	g.Go(func() error {
		return am.listener.Serve(gctx, ln, am.cfg.TaskListenerThreads)
	})
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- metricsSrv.Serve(metricsLn) }()
		select {
		case <-gctx.Done():
			metricsSrv.Close()
			return nil
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-am.fatalCh:
			return am.fatalErr
		}
	})

	err = g.Wait()
	am.bus.Stop()
	return err
}
