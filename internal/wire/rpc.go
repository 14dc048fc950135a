package wire

import "github.com/flowdag/tez-am/internal/ids"

// ContainerContext identifies the calling container on a getTask RPC
// (spec.md §6).
type ContainerContext struct {
	ContainerID ids.ContainerId
	Pid         int
	Hostname    string
}

// Task is everything a worker needs to run one task attempt: the
// opaque processor/IO descriptors are out of scope (spec.md §1(b));
// the AM ships only identity plus the resource/credential deltas
// spec.md §4.2 describes.
type Task struct {
	Attempt             ids.TaskAttemptId
	AdditionalResources []string
	Credentials         map[string]string
	CredentialsChanged  bool
	ProfileJVMOpts      string
}

// ContainerTask is getTask's response (spec.md §4.2, §4.8): exactly one
// of the three documented shapes — a real task, an empty "retry" reply,
// or ShouldDie for an unknown/terminal container.
type ContainerTask struct {
	Task      *Task
	ShouldDie bool
}

// Heartbeat is the periodic worker->AM RPC (spec.md §6). CurrentAttempt
// is nil for a bare liveness ping.
type Heartbeat struct {
	ContainerID     ids.ContainerId
	RequestID       int64
	CurrentAttempt  *ids.TaskAttemptId
	Events          []TezEvent
	EventsStartIndex int
	MaxEvents       int
}

// HeartbeatResponse is heartbeat's reply (spec.md §6).
type HeartbeatResponse struct {
	LastRequestID int64
	Events        []TezEvent
	ShouldDie     bool
}

// Op names one of the three RPC operations multiplexed over a single
// per-container connection (spec.md §6).
type Op string

const (
	OpGetTask   Op = "getTask"
	OpCanCommit Op = "canCommit"
	OpHeartbeat Op = "heartbeat"
)

// Request is one frame sent worker->AM. Exactly the field matching Op
// is populated; the others are zero and ignored.
type Request struct {
	Op Op

	GetTask   ContainerContext
	CanCommit ids.TaskAttemptId
	Heartbeat Heartbeat
}

// Response is one frame sent AM->worker, answering the Request with
// the same Op.
type Response struct {
	Op  Op
	Err string

	GetTask   ContainerTask
	CanCommit bool
	Heartbeat HeartbeatResponse
}
