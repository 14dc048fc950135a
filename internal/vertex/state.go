package vertex

import (
	"sync"

	"go.uber.org/zap"

	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/metrics"
	"github.com/flowdag/tez-am/internal/task"
)

// TaskInstaller is the narrow seam onto task.Machine a vertex needs to
// install its child tasks at construction time.
type TaskInstaller interface {
	Install(t *task.Task)
}

// DownstreamRouter fans a source task's completion out to every
// downstream vertex, translating it into data-movement routing via the
// DAG's edge managers before the SOURCE_TASK_COMPLETED notification is
// enqueued — spec.md §5's ordering guarantee that "edge routing... is
// emitted... before the vertex's SOURCE_TASK_COMPLETED notification".
// Implemented by internal/dagsm, which owns the DAG topology.
type DownstreamRouter interface {
	RouteTaskCompletion(vertex ids.VertexId, taskIndex int)
}

// Machine owns every live Vertex and is registered on the bus as the
// handler for event.KindVertex.
type Machine struct {
	log    *zap.Logger
	bus    *event.Bus
	tasks  TaskInstaller
	router DownstreamRouter
	metrics *metrics.Vertices

	maxTaskAttempts int

	mu       sync.Mutex
	vertices map[string]*Vertex
}

func NewMachine(log *zap.Logger, bus *event.Bus, tasks TaskInstaller, router DownstreamRouter, m *metrics.Vertices, maxTaskAttempts int) *Machine {
	return &Machine{
		log:             log,
		bus:             bus,
		tasks:           tasks,
		router:          router,
		metrics:         m,
		maxTaskAttempts: maxTaskAttempts,
		vertices:        make(map[string]*Vertex),
	}
}

// Install adds a freshly constructed vertex and installs its child
// tasks in the task machine.
func (m *Machine) Install(v *Vertex) error {
	m.mu.Lock()
	m.vertices[v.ID.String()] = v
	m.mu.Unlock()

	ctx := &managerContext{m: m, v: v}
	if err := v.Manager.Initialize(ctx); err != nil {
		return err
	}
	for _, tid := range v.Tasks {
		m.tasks.Install(task.New(tid, m.maxTaskAttempts, v.OutputCommitter))
	}
	return nil
}

func (m *Machine) Get(id ids.VertexId) (*Vertex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vertices[id.String()]
	return v, ok
}

func (m *Machine) Handler() event.Handler {
	return func(e event.Event) error {
		m.mu.Lock()
		v, ok := m.vertices[e.Subject.ID]
		m.mu.Unlock()
		if !ok {
			m.log.Warn("event for unknown vertex", zap.String("subject", e.Subject.String()))
			return nil
		}
		out, err := m.transition(v, e)
		for _, o := range out {
			m.bus.Handle(o)
		}
		return err
	}
}

func (m *Machine) transition(v *Vertex, e event.Event) ([]event.Event, error) {
	if v.State.Terminal() {
		return nil, nil
	}
	switch e.Kind {
	case EvVertexStart:
		return m.onStart(v, e)
	case EvSourceTaskCompleted:
		return m.onSourceTaskCompleted(v, e)
	case EvManagerEvent:
		payload, _ := e.Payload.([]byte)
		v.Manager.OnVertexManagerEventReceived(payload)
		return nil, nil
	case task.EvTaskSucceeded, task.EvTaskFailed, task.EvTaskKilled:
		return m.onTaskTerminal(v, e)
	default:
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs(
			"vertex " + v.ID.String() + " received unrecognised event " + string(e.Kind) + " in state " + v.State.String())
	}
}

func (m *Machine) onStart(v *Vertex, e event.Event) ([]event.Event, error) {
	if v.State != Initializing {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("VERTEX_START outside INITIALIZING for " + v.ID.String())
	}
	completed, _ := e.Payload.(map[string]int)
	v.State = Running
	v.Manager.OnVertexStarted(completed)
	return nil, nil
}

func (m *Machine) onSourceTaskCompleted(v *Vertex, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(SourceTaskCompletedPayload)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed SOURCE_TASK_COMPLETED payload for " + v.ID.String())
	}
	v.Manager.OnSourceTaskCompleted(payload.SourceVertex, payload.TaskIndex)
	return nil, nil
}

func (m *Machine) onTaskTerminal(v *Vertex, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(task.TerminalPayload)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed task-terminal payload for " + v.ID.String())
	}

	var out []event.Event
	switch e.Kind {
	case task.EvTaskSucceeded:
		v.succeeded++
		// RouteTaskCompletion fans this completion out to every
		// downstream vertex: edge-manager-computed data-movement
		// routing first, then each consumer's SOURCE_TASK_COMPLETED
		// notification (spec.md §5's ordering guarantee).
		if m.router != nil {
			m.router.RouteTaskCompletion(v.ID, payload.TaskIndex)
		}
		if v.succeeded == v.NumTasks {
			v.State = Succeeded
			out = append(out, m.terminalEvent(v, EvVertexSucceeded))
		}
	case task.EvTaskFailed:
		v.failed++
		v.Diagnostics = append(v.Diagnostics, payload.Diagnostics...)
		if task.FailureToleranceExceeded(v.failed, v.NumTasks, v.FailureTolerance) {
			v.State = Failed
			out = append(out, m.terminalEvent(v, EvVertexFailed))
		} else if v.succeeded+v.failed+v.killed == v.NumTasks {
			// Every task has reported and failures stayed within
			// tolerance: the vertex still succeeds overall.
			v.State = Succeeded
			out = append(out, m.terminalEvent(v, EvVertexSucceeded))
		}
	case task.EvTaskKilled:
		v.killed++
		v.State = Killed
		out = append(out, m.terminalEvent(v, EvVertexKilled))
	}

	if m.metrics != nil {
		switch v.State {
		case Succeeded:
			m.metrics.Succeeded.Inc()
		case Failed:
			m.metrics.Failed.Inc()
		}
	}
	return out, nil
}

func (m *Machine) terminalEvent(v *Vertex, kind event.Kind) event.Event {
	return event.New(
		event.Subject{Kind: event.KindDag, ID: v.ID.Dag.String()},
		kind,
		TerminalPayload{Vertex: v.ID, Diagnostics: append([]string(nil), v.Diagnostics...)},
	)
}

// managerContext implements Context against one Vertex, addressed
// through its owning Machine so ScheduleTasks can enqueue bus events.
type managerContext struct {
	m *Machine
	v *Vertex
}

func (c *managerContext) NumTasks() int { return c.v.NumTasks }

func (c *managerContext) SetParallelism(n int) error {
	if c.v.NumTasks >= 0 && len(c.v.Tasks) == n {
		return nil
	}
	if len(c.v.Tasks) != 0 {
		return amerrors.ErrInvariantViolation.GenWithStackByArgs("parallelism already fixed for " + c.v.ID.String())
	}
	c.v.NumTasks = n
	for i := 0; i < n; i++ {
		c.v.Tasks = append(c.v.Tasks, ids.TaskId{Vertex: c.v.ID, Index: i})
	}
	return nil
}

func (c *managerContext) ScheduleTasks(indices []int) {
	for _, idx := range indices {
		tid := ids.TaskId{Vertex: c.v.ID, Index: idx}
		c.m.bus.Handle(event.New(
			event.Subject{Kind: event.KindTask, ID: tid.String()},
			task.EvStart,
			task.StartPayload{Resource: c.v.Resource},
		))
	}
}
