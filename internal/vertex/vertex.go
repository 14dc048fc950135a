// Package vertex implements the per-vertex state machine (spec.md
// §4.4) and the vertex-manager plugin contract (spec.md §4.5): a
// vertex aggregates its tasks' outcomes, and defers task release into
// scheduling to a pluggable policy.
package vertex

import (
	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

type State int

const (
	Initializing State = iota
	Running
	Succeeded
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
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

func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Killed
}

// Incoming event kinds a Vertex subject accepts.
const (
	// EvVertexStart is sent by the DAG machine to every vertex of a DAG
	// at once when the DAG is installed, without waiting on source
	// vertices (spec.md §4.5 onVertexStarted).
	EvVertexStart event.Kind = "VERTEX_START"
	// EvSourceTaskCompleted arrives from an upstream vertex's Machine
	// whenever one of its tasks succeeds, addressed to every downstream
	// vertex (spec.md §4.4's "notifies its own manager plugin via
	// onSourceTaskCompleted on each downstream vertex").
	EvSourceTaskCompleted event.Kind = "SOURCE_TASK_COMPLETED"
	// EvManagerEvent carries a VertexManagerEvent payload routed to this
	// vertex's manager plugin.
	EvManagerEvent event.Kind = "VERTEX_MANAGER_EVENT"
)

// Outgoing event kinds.
const (
	EvVertexSucceeded event.Kind = "VERTEX_SUCCEEDED"
	EvVertexFailed     event.Kind = "VERTEX_FAILED"
	EvVertexKilled     event.Kind = "VERTEX_KILLED"
)

// SourceTaskCompletedPayload is EvSourceTaskCompleted's payload.
type SourceTaskCompletedPayload struct {
	SourceVertex string
	TaskIndex    int
}

// TerminalPayload is emitted to the owning DAG machine.
type TerminalPayload struct {
	Vertex      ids.VertexId
	Diagnostics []string
}

// Vertex is the entity record. Owned exclusively by its parent DAG.
type Vertex struct {
	ID   ids.VertexId
	Name string
	State State

	DistanceFromRoot int
	Resource         attempt.Resource

	// NumTasks is -1 until the vertex manager fixes parallelism
	// (spec.md §4.4: "numTasks once final, set by the plugin or at DAG
	// init").
	NumTasks int
	Tasks    []ids.TaskId

	FailureTolerance float64
	OutputCommitter  bool

	Manager Manager

	succeeded, failed, killed int

	Diagnostics []string
}

func New(id ids.VertexId, name string, numTasks int, distance int, resource attempt.Resource, tolerance float64, committer bool, mgr Manager) *Vertex {
	v := &Vertex{
		ID:               id,
		Name:             name,
		State:            Initializing,
		DistanceFromRoot: distance,
		Resource:         resource,
		NumTasks:         numTasks,
		FailureTolerance: tolerance,
		OutputCommitter:  committer,
		Manager:          mgr,
	}
	for i := 0; i < numTasks; i++ {
		v.Tasks = append(v.Tasks, ids.TaskId{Vertex: id, Index: i})
	}
	return v
}

func (v *Vertex) Subject() event.Subject {
	return event.Subject{Kind: event.KindVertex, ID: v.ID.String()}
}
