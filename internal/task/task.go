// Package task implements the per-task state machine (spec.md §4.4): a
// task aggregates a bounded sequence of attempts, reschedules on
// retryable failure until its attempt budget is exhausted, and grants
// commit to exactly one of its attempts before declaring itself
// SUCCEEDED.
package task

import (
	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/edge"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

// State is one of the task lifecycle states.
type State int

const (
	Pending State = iota
	Scheduled
	Running
	Succeeded
	Failed
	Killed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Scheduled:
		return "SCHEDULED"
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

// Incoming event kinds a Task subject accepts.
const (
	// EvStart is sent by the vertex when this task's index is released
	// into scheduling (vertex manager's scheduleVertexTasks).
	EvStart event.Kind = "TASK_START"
	// EvRequestCommit is sent by an attempt that finished its work and
	// (because its vertex is output-committing) must be granted commit
	// before it may report SUCCEEDED.
	EvRequestCommit event.Kind = "TASK_REQUEST_COMMIT"
	// EvInputReady arrives from internal/dagsm once edge routing has
	// placed a source partition at one of this task's physical inputs.
	// The task itself does no input interpretation (worker-side Input is
	// a non-goal); it only queues the routing so a later heartbeat can
	// hand it to the worker actually running this task.
	EvInputReady event.Kind = "TASK_INPUT_READY"
)

// Outgoing event kinds emitted to the owning vertex.
const (
	EvTaskSucceeded event.Kind = "TASK_SUCCEEDED"
	EvTaskFailed    event.Kind = "TASK_FAILED"
	EvTaskKilled    event.Kind = "TASK_KILLED"
)

// StartPayload is EvStart's payload.
type StartPayload struct {
	Resource attempt.Resource
}

// TerminalPayload is the payload of every outgoing terminal event.
type TerminalPayload struct {
	TaskIndex   int
	Diagnostics []string
}

// InputReadyPayload is EvInputReady's payload: a routed partition
// landing at PhysicalInput, carrying the producer-side event that
// describes it.
type InputReadyPayload struct {
	PhysicalInput int
	Event         edge.DataMovementEvent
}

// Task is the entity record. Owned exclusively by its parent Vertex.
type Task struct {
	ID          ids.TaskId
	State       State
	MaxAttempts int
	NeedsCommit bool
	Resource    attempt.Resource

	// Attempts is every attempt ever created for this task, oldest
	// first; its length is the total attempt count, including ones
	// that didn't count against the budget (preemptions).
	Attempts []ids.TaskAttemptId

	// budgetUsed counts only attempts whose failure cause counts
	// against MaxAttempts (spec.md §4.3: preemption is exempt).
	budgetUsed int

	CommitGranted    bool
	committedAttempt ids.TaskAttemptId

	Diagnostics []string

	// PendingEvents is every routed input this task has not yet handed
	// to a worker over heartbeat, oldest first. internal/listener is the
	// only reader; it paginates by eventsStartIndex/maxEvents per §4.8.
	PendingEvents []InputReadyPayload
}

func New(id ids.TaskId, maxAttempts int, needsCommit bool) *Task {
	return &Task{
		ID:          id,
		State:       Pending,
		MaxAttempts: maxAttempts,
		NeedsCommit: needsCommit,
	}
}

func (t *Task) Subject() event.Subject {
	return event.Subject{Kind: event.KindTask, ID: t.ID.String()}
}
