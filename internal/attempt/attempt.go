// Package attempt implements the per-task-attempt state machine
// (spec.md §4.3): NEW -> START_WAIT -> SUBMITTED -> RUNNING ->
// (SUCCEEDED | FAILED | KILLED), plus a transient COMMIT_PENDING. An
// attempt is a weak cross-reference away from the container it runs on
// — it never holds a pointer to a Container, only a ids.ContainerId
// looked up back through the bus (spec.md §9).
package attempt

import (
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// State is one of the attempt lifecycle states.
type State int

const (
	New State = iota
	StartWait
	Submitted
	Running
	CommitPending
	Succeeded
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case StartWait:
		return "START_WAIT"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case CommitPending:
		return "COMMIT_PENDING"
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

// Cause classifies why an attempt left RUNNING/START_WAIT/SUBMITTED
// without succeeding, per spec.md §4.3's failure-classification table.
type Cause int

const (
	CauseNone Cause = iota
	CauseContainerTerminatedBeforeRunning
	CauseContainerTerminatedDuringRunning
	CauseContainerPreempted
	CauseNodeFailed
	CauseWorkerReportedFailure
	CauseCommitDenied
	// CauseResourceManagerUnavailable marks an attempt that never got a
	// container at all because internal/rm's allocate backoff was
	// exhausted. Unlike an ordinary before-RUNNING termination, this
	// keeps counting toward the task's budget: nothing distinguishes a
	// permanently unreachable resource manager from a working one here,
	// and CauseContainerTerminatedBeforeRunning's exemption would let an
	// unreachable RM retry the same task forever.
	CauseResourceManagerUnavailable
)

// CountsTowardBudget reports whether this cause should count toward the
// task's attempt budget. spec.md §4.3 only annotates the during-RUNNING
// termination clause with "counts toward task failure budget"; a
// container that never reached RUNNING (a launch failure or a grant the
// AM never got to use) is exempt, the same way CauseContainerPreempted
// is.
func (c Cause) CountsTowardBudget() bool {
	switch c {
	case CauseContainerPreempted, CauseContainerTerminatedBeforeRunning, CauseNone:
		return false
	default:
		return true
	}
}

// Incoming event kinds a TaskAttempt subject accepts. Most arrive from
// the container state machine or the task-attempt listener.
const (
	EvSchedule            event.Kind = "SCHEDULE"
	EvContainerAssigned    event.Kind = "TA_CONTAINER_ASSIGNED"
	EvStartedRemotely      event.Kind = "TA_STARTED_REMOTELY"
	EvContainerTerminating event.Kind = "TA_CONTAINER_TERMINATING"
	EvContainerTerminated  event.Kind = "TA_CONTAINER_TERMINATED"
	EvAllocationFailed     event.Kind = "TA_ALLOCATION_FAILED"
	EvContainerPreempted   event.Kind = "TA_CONTAINER_PREEMPTED"
	EvNodeFailed           event.Kind = "TA_NODE_FAILED"
	EvWorkerFailed         event.Kind = "TA_FAILED"
	EvWorkerSucceeded      event.Kind = "TA_WORKER_SUCCEEDED"
	EvCommitGranted        event.Kind = "TA_COMMIT_GRANTED"
	EvCommitDenied         event.Kind = "TA_COMMIT_DENIED"
	EvKill                 event.Kind = "TA_KILL"
)

// Outgoing event kinds emitted to other subjects.
const (
	EvRMContainerRequest event.Kind = "S_CONTAINER_REQUEST"
	EvTaskAttemptSucceeded event.Kind = "TASK_ATTEMPT_SUCCEEDED"
	EvTaskAttemptFailed    event.Kind = "TASK_ATTEMPT_FAILED"
	EvTaskAttemptKilled    event.Kind = "TASK_ATTEMPT_KILLED"
	EvRequestCommit        event.Kind = "TASK_REQUEST_COMMIT"
)

// SchedulePayload carries the resource and priority the DAG scheduler
// assigned this attempt. Attempt is included so the RM communicator can
// correlate a later grant back to the requesting attempt without having
// to parse it out of the subject id string.
type SchedulePayload struct {
	Attempt       ids.TaskAttemptId
	Resource      Resource
	Priority      int
	IsRescheduled bool
	ExcludedNodes []string
}

// Resource mirrors dag.Resource without an import (attempt must not
// depend on dag, mirroring container's own local Resource type).
type Resource struct {
	Memory int64
	VCores int32
}

// TerminalPayload is the payload of every terminal outgoing event,
// addressed to the owning task.
type TerminalPayload struct {
	Attempt     ids.TaskAttemptId
	State       State
	Cause       Cause
	Diagnostics string
}

// NodeBlacklister is the narrow seam onto internal/nodeblacklist an
// attempt needs to record a failed node against its owning task.
type NodeBlacklister interface {
	Mark(taskID ids.TaskId, nodeID, reason string)
}

// CommitNotifier is the narrow seam onto internal/listener that lets a
// waiting canCommit RPC learn the arbitration result as soon as the
// owning task decides it, instead of polling. The wire RPC needs a
// synchronous boolean answer; the task's decision only ever reaches the
// attempt asynchronously over the bus, so this is the one place the
// attempt machine calls out of its own package on a state transition.
type CommitNotifier interface {
	NotifyCommitResult(attempt ids.TaskAttemptId, granted bool)
}

// Attempt is the entity record. Owned exclusively by its parent Task;
// referenced elsewhere only by TaskAttemptId.
type Attempt struct {
	ID    ids.TaskAttemptId
	State State

	ContainerID   ids.ContainerId
	hasContainer  bool

	IsRescheduled bool
	Diagnostics   []string

	// NeedsCommit is set by the owning task at construction time when
	// its vertex is an output-committing vertex; the attempt then
	// requests commit before it may report SUCCEEDED.
	NeedsCommit bool
}

func NewAttempt(id ids.TaskAttemptId, isRescheduled, needsCommit bool) *Attempt {
	return &Attempt{
		ID:            id,
		State:         New,
		IsRescheduled: isRescheduled,
		NeedsCommit:   needsCommit,
	}
}

func (a *Attempt) Subject() event.Subject {
	return event.Subject{Kind: event.KindTaskAttempt, ID: a.ID.String()}
}
