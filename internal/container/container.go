// Package container implements the per-container state machine
// (spec.md §4.2): ALLOCATED -> LAUNCHING -> IDLE <-> RUNNING ->
// STOP_REQUESTED -> STOPPING -> COMPLETED, plus the resource/credential
// delta bookkeeping a container accumulates over its lifetime.
package container

import (
	"sync"

	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// State is one of the container lifecycle states.
type State int

const (
	Allocated State = iota
	Launching
	Idle
	Running
	StopRequested
	Stopping
	Completed
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "ALLOCATED"
	case Launching:
		return "LAUNCHING"
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case StopRequested:
		return "STOP_REQUESTED"
	case Stopping:
		return "STOPPING"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Event kinds a Container subject accepts.
const (
	EvLaunchRequest event.Kind = "LAUNCH_REQUEST"
	EvAssignTA      event.Kind = "ASSIGN_TA"
	EvLaunched      event.Kind = "LAUNCHED"
	EvLaunchFailed  event.Kind = "LAUNCH_FAILED"
	EvPullTask      event.Kind = "PULL_TASK"
	EvTASucceeded   event.Kind = "TA_SUCCEEDED"
	EvCompleted     event.Kind = "COMPLETED"
	EvNodeFailed    event.Kind = "NODE_FAILED"
	EvTimedOut      event.Kind = "C_TIMED_OUT"
	EvNMStopFailed  event.Kind = "NM_STOP_FAILED"
	EvNMStopSent    event.Kind = "C_NM_STOP_SENT"
)

// Event kinds a Container subject emits to other subjects.
const (
	EvNMLaunchRequest       event.Kind = "NM_LAUNCH_REQUEST"
	EvNMStopRequest         event.Kind = "NM_STOP_REQUEST"
	EvTAContainerTerminating event.Kind = "TA_CONTAINER_TERMINATING"
	EvTAContainerTerminated  event.Kind = "TA_CONTAINER_TERMINATED"
	EvTAContainerPreempted   event.Kind = "TA_CONTAINER_PREEMPTED"
	EvTANodeFailed           event.Kind = "TA_NODE_FAILED"
	EvSContainerDeallocate   event.Kind = "S_CONTAINER_DEALLOCATE"
)

// Resource is an opaque resource size, mirroring dag.Resource without
// importing the dag package (container must not depend on dag).
type Resource struct {
	Memory int64
	VCores int32
}

// Credentials is an opaque bag of security tokens the AM ships to a
// container when its DAG changes. Security token minting itself is an
// external collaborator (spec.md §1(e)); the AM only ever carries this
// value opaquely.
type Credentials map[string]string

// LaunchRequestPayload is the NM_LAUNCH_REQUEST event payload. Container
// is included so the NM communicator can address its Client call and
// correlate the async result back to this container without parsing
// one out of the subject id string.
type LaunchRequestPayload struct {
	Container   ids.ContainerId
	Resource    Resource
	Credentials Credentials
}

// StopRequestPayload is the NM_STOP_REQUEST event payload, for the same
// reason LaunchRequestPayload carries its Container field.
type StopRequestPayload struct {
	Container ids.ContainerId
}

// AssignPayload is the ASSIGN_TA event payload: the task attempt being
// queued onto this container, the DAG it belongs to (for the
// credentials delta) and the resources it needs localised.
type AssignPayload struct {
	Attempt     ids.TaskAttemptId
	Dag         ids.DagId
	Resources   map[string]struct{}
	Credentials Credentials
}

// CompletedPayload is the COMPLETED event payload.
type CompletedPayload struct {
	Preempted bool
	Reason    string
}

// NodeFailedPayload is the TA_NODE_FAILED event payload: the failing
// node's id, so the attempt can mark it unusable for this task's future
// attempts (spec.md §4.3, §7 kind 4) before failing.
type NodeFailedPayload struct {
	NodeID string
}

// DeallocatePayload is the S_CONTAINER_DEALLOCATE event payload: the RM
// communicator has no other way to learn which container to release,
// since the event bus does not guarantee a subject's id string is
// parseable back into its structured form.
type DeallocatePayload struct {
	Container ids.ContainerId
}

// Container is the entity record: a resource lease plus everything it
// has accumulated over its lifetime. Owned exclusively by the
// dispatcher goroutine; never touched from an RPC handler goroutine
// (spec.md §5).
type Container struct {
	ID    ids.ContainerId
	NodeID string

	mu sync.Mutex // guards nothing reachable off the dispatch thread; documents intent

	State State

	// LocalizedResources is the union of every resource map ever sent
	// in an ASSIGN_TA for this container (spec.md §4.2 "additional
	// resource delta").
	LocalizedResources map[string]struct{}

	// LastDagID is the DAG the container most recently ran a task for;
	// used to decide whether credentials must be re-shipped.
	LastDagID  ids.DagId
	hasLastDag bool

	// AttemptsEverRun is every attempt this container has ever queued
	// or run, oldest first. Needed so that NODE_FAILED can notify all
	// of them, not just the current occupant.
	AttemptsEverRun []ids.TaskAttemptId

	Queued  *ids.TaskAttemptId
	Running *ids.TaskAttemptId

	IsInErrorState bool

	ProfileJVMOpts string // non-empty if this container's id was configured for profiling
}

// New constructs a Container in its initial ALLOCATED state.
func New(id ids.ContainerId, nodeID string) *Container {
	return &Container{
		ID:                 id,
		NodeID:             nodeID,
		State:              Allocated,
		LocalizedResources: make(map[string]struct{}),
	}
}

func (c *Container) Subject() event.Subject {
	return event.Subject{Kind: event.KindContainer, ID: c.ID.String()}
}
