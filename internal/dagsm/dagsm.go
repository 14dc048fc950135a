// Package dagsm implements the DAG-level state machine (spec.md §4.4,
// §9) and the concrete wiring of edge managers over a validated DAG
// topology: it is the component that turns a source task's completion
// into downstream data-movement routing and SOURCE_TASK_COMPLETED
// notifications, and that observes aggregate vertex outcomes to decide
// when the whole DAG has reached SUCCEEDED or FAILED.
package dagsm

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/dag"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/edge"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/metrics"
	"github.com/flowdag/tez-am/internal/task"
	"github.com/flowdag/tez-am/internal/vertex"
)

type State int

const (
	Running State = iota
	Succeeded
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	case Killed:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s != Running }

// edgeBinding is one resolved outgoing edge of a producer vertex: the
// instantiated edge manager plus everything needed to address the
// consumer.
type edgeBinding struct {
	consumer     ids.VertexId
	consumerName string
	manager      edge.Manager
}

// Dag is the entity record for one running DAG submission.
type Dag struct {
	ID    ids.DagId
	State State

	numVertices int
	terminal    int // vertices that have reached a terminal state

	// outEdges maps a producer vertex to every downstream binding.
	outEdges map[string][]edgeBinding
	// vertexNumTasks is read by edge-manager calls that need the
	// consumer's current parallelism.
	vertexNumTasks map[string]int
	vertexNames    map[string]string
	distance       map[string]int

	Diagnostics []string
}

// Machine owns every running Dag (an AM may run more than one DAG in
// sequence over its lifetime, per spec.md §4.3) and is registered on
// the bus as the handler for event.KindDag. It also implements
// scheduler.DistanceLookup and vertex.DownstreamRouter.
type Machine struct {
	log     *zap.Logger
	bus     *event.Bus
	metrics *metrics.Registry

	mu   sync.Mutex
	dags map[string]*Dag
}

func NewMachine(log *zap.Logger, bus *event.Bus, m *metrics.Registry) *Machine {
	return &Machine{log: log, bus: bus, metrics: m, dags: make(map[string]*Dag)}
}

// Install registers a validated DAG topology, resolving every edge's
// manager descriptor by name (spec.md §9: "the AM instantiates plugins
// by name").
func (m *Machine) Install(id ids.DagId, topo *dag.DAG, vertexNumTasks map[string]int) (*Dag, error) {
	d := &Dag{
		ID:             id,
		State:          Running,
		numVertices:    len(topo.Vertices),
		outEdges:       make(map[string][]edgeBinding),
		vertexNumTasks: vertexNumTasks,
		vertexNames:    make(map[string]string, len(topo.Vertices)),
		distance:       make(map[string]int),
	}
	for vid, dist := range topo.DistanceFromRoot {
		d.distance[vid.String()] = dist
	}
	for vid, spec := range topo.Vertices {
		d.vertexNames[vid.String()] = spec.Name
	}
	for vid, edges := range topo.OutEdges {
		for _, e := range edges {
			mgr, err := ResolveEdgeManager(e.Manager)
			if err != nil {
				return nil, err
			}
			d.outEdges[vid.String()] = append(d.outEdges[vid.String()], edgeBinding{
				consumer:     e.Consumer,
				consumerName: topo.Vertices[e.Consumer].Name,
				manager:      mgr,
			})
		}
	}
	m.mu.Lock()
	m.dags[id.String()] = d
	m.mu.Unlock()

	// Every vertex starts as soon as the DAG is installed: our built-in
	// vertex-manager plugins (ImmediateStart, FractionalStart) gate
	// actual task release themselves via OnVertexStarted/
	// OnSourceTaskCompleted, so there is no separate cross-vertex start
	// ordering to enforce here. The caller must have already registered
	// every vertex with the vertex machine before calling Install, since
	// this only enqueues — it does not block on delivery.
	for vid := range topo.Vertices {
		m.bus.Handle(event.New(
			event.Subject{Kind: event.KindVertex, ID: vid.String()},
			vertex.EvVertexStart,
			map[string]int{},
		))
	}
	return d, nil
}

func (m *Machine) Get(id ids.DagId) (*Dag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dags[id.String()]
	return d, ok
}

// DistanceFromRoot implements scheduler.DistanceLookup.
func (m *Machine) DistanceFromRoot(v ids.VertexId) (int, bool) {
	d, ok := m.Get(v.Dag)
	if !ok {
		return 0, false
	}
	dist, ok := d.distance[v.String()]
	return dist, ok
}

// RouteTaskCompletion implements vertex.DownstreamRouter: for every
// downstream edge of the producer vertex, it asks the edge manager how
// many physical outputs the finishing task produced, routes each one
// to its destination task(s), and then notifies the consumer vertex's
// SOURCE_TASK_COMPLETED hook — in that order, satisfying spec.md §5.
func (m *Machine) RouteTaskCompletion(producer ids.VertexId, taskIndex int) {
	d, ok := m.Get(producer.Dag)
	if !ok {
		m.log.Warn("task completion for unknown dag", zap.String("vertex", producer.String()))
		return
	}
	for _, b := range d.outEdges[producer.String()] {
		numDest := d.vertexNumTasks[b.consumer.String()]
		numOutputs := b.manager.NumSourceTaskPhysicalOutputs(numDest, taskIndex)
		for target := 0; target < numOutputs; target++ {
			ev := edge.DataMovementEvent{SourceIndex: taskIndex, TargetIndex: target}
			for _, dest := range b.manager.RouteDataMovementEventToDestination(ev, taskIndex, numDest) {
				destTask := ids.TaskId{Vertex: b.consumer, Index: dest.TaskIndex}
				m.bus.Handle(event.New(
					event.Subject{Kind: event.KindTask, ID: destTask.String()},
					task.EvInputReady,
					task.InputReadyPayload{PhysicalInput: dest.PhysicalInput, Event: ev},
				))
			}
		}
		m.bus.Handle(event.New(
			event.Subject{Kind: event.KindVertex, ID: b.consumer.String()},
			vertex.EvSourceTaskCompleted,
			vertex.SourceTaskCompletedPayload{SourceVertex: d.vertexNames[producer.String()], TaskIndex: taskIndex},
		))
	}
}

// Handler returns the event.Handler to register for event.KindDag: it
// accepts vertex.EvVertexSucceeded/Failed/Killed, addressed by the
// vertex machine directly to its owning DAG's subject.
func (m *Machine) Handler() event.Handler {
	return func(e event.Event) error {
		m.mu.Lock()
		d, ok := m.dags[e.Subject.ID]
		m.mu.Unlock()
		if !ok {
			m.log.Warn("event for unknown dag", zap.String("subject", e.Subject.String()))
			return nil
		}
		return m.transition(d, e)
	}
}

func (m *Machine) transition(d *Dag, e event.Event) error {
	if d.State.Terminal() {
		return nil
	}
	payload, ok := e.Payload.(vertex.TerminalPayload)
	if !ok {
		return amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed vertex-terminal payload for dag " + d.ID.String())
	}

	d.terminal++
	switch e.Kind {
	case vertex.EvVertexFailed:
		d.Diagnostics = append(d.Diagnostics, payload.Diagnostics...)
		d.State = Failed
	case vertex.EvVertexKilled:
		d.State = Killed
	case vertex.EvVertexSucceeded:
		if d.terminal == d.numVertices {
			d.State = Succeeded
		}
	default:
		return amerrors.ErrInvariantViolation.GenWithStackByArgs("dag " + d.ID.String() + " received unrecognised event " + string(e.Kind))
	}

	if d.State.Terminal() && m.metrics != nil {
		label := "succeeded"
		if d.State != Succeeded {
			label = "failed"
		}
		m.metrics.DagsTotal.WithLabelValues(label).Inc()
	}
	return nil
}
