// Package event implements the AM's single-threaded event bus (spec.md
// §4.1): a process-wide dispatcher that accepts events from any
// goroutine, enqueues them on an unbounded MPSC queue, and drains them
// on one dispatch goroutine, delivering each to the handler registered
// for its subject's entity kind. Handlers are never invoked
// concurrently with each other, and per-subject FIFO order is
// preserved even though the bus itself has no cross-subject order.
package event

import "fmt"

// EntityKind names the kind of entity an event's Subject addresses.
type EntityKind int

const (
	KindContainer EntityKind = iota
	KindTaskAttempt
	KindTask
	KindVertex
	KindDag
	// KindScheduler and KindRM/KindNM address the DAG scheduler and the
	// resource-manager/node-manager communicators, which are singleton
	// subjects rather than per-entity ones.
	KindScheduler
	KindRM
	KindNM
)

func (k EntityKind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindTaskAttempt:
		return "taskattempt"
	case KindTask:
		return "task"
	case KindVertex:
		return "vertex"
	case KindDag:
		return "dag"
	case KindScheduler:
		return "scheduler"
	case KindRM:
		return "rm"
	case KindNM:
		return "nm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Subject addresses one entity: its kind plus its stringified id. Using
// the stringified id (rather than a typed union) lets the bus route
// without importing every entity package, avoiding an import cycle
// between event and container/attempt/task/vertex/dag.
type Subject struct {
	Kind EntityKind
	ID   string
}

func (s Subject) String() string { return s.Kind.String() + ":" + s.ID }

// Kind is a string enum naming the specific event type within a
// Subject's kind, e.g. "ASSIGN_TA" or "TA_SUCCEEDED". Kinds are defined
// in each entity package's own file to keep the vocabulary next to the
// state machine that interprets it.
type Kind string

// Event is the sum-typed value that is the only permitted form of
// inter-component communication in the AM (spec.md §3).
type Event struct {
	Subject Subject
	Kind    Kind
	Payload any
}

func New(subject Subject, kind Kind, payload any) Event {
	return Event{Subject: subject, Kind: kind, Payload: payload}
}
