// Package wire defines the worker<->AM RPC wire protocol (spec.md §6):
// the TezEvent family shipped inside heartbeats, the getTask/canCommit/
// heartbeat request/response shapes, and the length-prefixed gob
// framing used to put them on a net.Conn.
package wire

// EventKind discriminates the TezEvent sum type (spec.md §6).
type EventKind int

const (
	KindDataMovement EventKind = iota
	KindInputFailed
	KindInputReadError
	KindVertexManager
	KindCompositeDataMovement
	KindTaskStatusUpdate
)

func (k EventKind) String() string {
	switch k {
	case KindDataMovement:
		return "DataMovementEvent"
	case KindInputFailed:
		return "InputFailedEvent"
	case KindInputReadError:
		return "InputReadErrorEvent"
	case KindVertexManager:
		return "VertexManagerEvent"
	case KindCompositeDataMovement:
		return "CompositeDataMovementEvent"
	case KindTaskStatusUpdate:
		return "TaskStatusUpdateEvent"
	default:
		return "UnknownEvent"
	}
}

// DataMovementEvent notifies a consumer task that a producer partition
// is ready at a given physical input (spec.md §6).
type DataMovementEvent struct {
	SourceIndex int
	TargetIndex int
	Version     int
	Payload     []byte
}

// InputFailedEvent notifies a consumer that the producer partition
// feeding one of its physical inputs will never arrive.
type InputFailedEvent struct {
	SourceIndex int
	TargetIndex int
	Version     int
}

// InputReadErrorEvent is raised by a consumer task against one of its
// physical inputs. The AM's listener treats it as a failure of the
// reporting attempt (TA_FAILED); it is not routed back to the producer
// task, and the producer is not re-run.
type InputReadErrorEvent struct {
	Diagnostics string
	InputIndex  int
	Version     int
}

// VertexManagerEvent carries an opaque payload from a task up to its
// vertex's manager plugin (spec.md §4.5 onVertexManagerEventReceived).
type VertexManagerEvent struct {
	VertexName string
	Payload    []byte
}

// CompositeDataMovementEvent is a compact representation that expands
// at the consumer into Count DataMovementEvents with TargetIndex
// ranging over [SourceIndex, SourceIndex+Count) (spec.md §6, §8).
type CompositeDataMovementEvent struct {
	SourceIndex int
	Count       int
	Payload     []byte
}

// Expand realizes the CompositeDataMovementEvent round-trip law from
// spec.md §8: expanding an (srcIdx, n, payload) composite yields the
// original n-tuple of DataMovementEvents with
// targetIdx = srcIdx..srcIdx+n-1.
func (c CompositeDataMovementEvent) Expand() []DataMovementEvent {
	out := make([]DataMovementEvent, c.Count)
	for i := 0; i < c.Count; i++ {
		out[i] = DataMovementEvent{
			SourceIndex: c.SourceIndex,
			TargetIndex: c.SourceIndex + i,
			Payload:     c.Payload,
		}
	}
	return out
}

// Counters is an opaque counter bag, following the Writable framing
// spec.md §6 describes for TaskStatusUpdateEvent ("float32 progress"
// then "bool hasCounters" then counters body): HasCounters distinguishes
// a present-but-empty bag from an absent one.
type Counters map[string]int64

// TaskStatusUpdateEvent reports worker-side progress on a heartbeat.
type TaskStatusUpdateEvent struct {
	Progress     float32
	HasCounters  bool
	Counters     Counters
}

// TezEvent is the sum-typed wire event (spec.md §6): Kind selects which
// of the typed fields is populated. Only one is ever non-zero for a
// given Kind; gob happily round-trips the zero-valued others.
type TezEvent struct {
	Kind EventKind

	DataMovement          DataMovementEvent
	InputFailed           InputFailedEvent
	InputReadError        InputReadErrorEvent
	VertexManager         VertexManagerEvent
	CompositeDataMovement CompositeDataMovementEvent
	TaskStatusUpdate      TaskStatusUpdateEvent
}
