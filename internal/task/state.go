package task

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/attempt"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/metrics"
	"github.com/flowdag/tez-am/internal/scheduler"
)

// AttemptRegistrar is the narrow seam onto attempt.Machine a task needs:
// creating and installing a freshly minted attempt. Keeping this as an
// interface (rather than importing *attempt.Machine by concrete type)
// costs nothing here since attempt does not import task, but mirrors
// the narrow-capability style spec.md §9 asks for plugin contexts.
type AttemptRegistrar interface {
	Register(a *attempt.Attempt)
}

// NodeBlacklistLookup is the narrow seam onto internal/nodeblacklist a
// task needs to exclude a node that already failed one of its attempts
// from the next attempt's placement (spec.md §4.3).
type NodeBlacklistLookup interface {
	ExcludedNodes(taskID ids.TaskId) []string
}

// Machine owns every live Task and is registered on the bus as the
// handler for event.KindTask.
type Machine struct {
	log       *zap.Logger
	bus       *event.Bus
	attempts  AttemptRegistrar
	metrics   *metrics.Tasks
	blacklist NodeBlacklistLookup

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMachine(log *zap.Logger, bus *event.Bus, attempts AttemptRegistrar, m *metrics.Tasks, blacklist NodeBlacklistLookup) *Machine {
	return &Machine{
		log:       log,
		bus:       bus,
		attempts:  attempts,
		metrics:   m,
		blacklist: blacklist,
		tasks:     make(map[string]*Task),
	}
}

// Install adds a freshly constructed task (spec.md §4.4: tasks are
// created at DAG/vertex initialisation, not lazily).
func (m *Machine) Install(t *Task) {
	m.mu.Lock()
	m.tasks[t.ID.String()] = t
	m.mu.Unlock()
}

func (m *Machine) Get(id ids.TaskId) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id.String()]
	return t, ok
}

func (m *Machine) Handler() event.Handler {
	return func(e event.Event) error {
		m.mu.Lock()
		t, ok := m.tasks[e.Subject.ID]
		m.mu.Unlock()
		if !ok {
			m.log.Warn("event for unknown task", zap.String("subject", e.Subject.String()))
			return nil
		}
		out, err := m.transition(t, e)
		for _, o := range out {
			m.bus.Handle(o)
		}
		return err
	}
}

func (m *Machine) transition(t *Task, e event.Event) ([]event.Event, error) {
	if t.State.Terminal() {
		return nil, nil
	}
	switch e.Kind {
	case EvStart:
		return m.onStart(t, e)
	case EvRequestCommit:
		return m.onRequestCommit(t, e)
	case EvInputReady:
		return m.onInputReady(t, e)
	case attempt.EvTaskAttemptSucceeded, attempt.EvTaskAttemptFailed, attempt.EvTaskAttemptKilled:
		return m.onAttemptTerminal(t, e)
	default:
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs(
			"task " + t.ID.String() + " received unrecognised event " + string(e.Kind) + " in state " + t.State.String())
	}
}

func (m *Machine) onStart(t *Task, e event.Event) ([]event.Event, error) {
	if t.State != Pending {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("TASK_START outside PENDING for " + t.ID.String())
	}
	payload, _ := e.Payload.(StartPayload)
	t.Resource = payload.Resource
	t.State = Scheduled
	return m.spawnAttempt(t, false), nil
}

// spawnAttempt mints a fresh attempt number (strictly greater than any
// previous one for this task, per spec.md §3), registers it with the
// attempt machine, and requests scheduling.
func (m *Machine) spawnAttempt(t *Task, isRescheduled bool) []event.Event {
	attemptID := ids.TaskAttemptId{Task: t.ID, Attempt: len(t.Attempts)}
	a := attempt.NewAttempt(attemptID, isRescheduled, t.NeedsCommit)
	m.attempts.Register(a)
	t.Attempts = append(t.Attempts, attemptID)
	t.State = Running

	var excluded []string
	if m.blacklist != nil {
		excluded = m.blacklist.ExcludedNodes(t.ID)
	}

	return []event.Event{
		event.New(
			event.Subject{Kind: event.KindScheduler, ID: "scheduler"},
			scheduler.EvScheduleAttempt,
			scheduler.ScheduleAttemptPayload{
				Attempt:       attemptID,
				Vertex:        t.ID.Vertex,
				Resource:      t.Resource,
				IsRescheduled: isRescheduled,
				ExcludedNodes: excluded,
			},
		),
	}
}

func (m *Machine) onRequestCommit(t *Task, e event.Event) ([]event.Event, error) {
	requester, ok := e.Payload.(ids.TaskAttemptId)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed TASK_REQUEST_COMMIT payload for " + t.ID.String())
	}
	grant := attempt.EvCommitDenied
	if !t.CommitGranted {
		t.CommitGranted = true
		t.committedAttempt = requester
		grant = attempt.EvCommitGranted
	} else if t.committedAttempt == requester {
		// Replay of an already-granted commit request: still grant,
		// idempotently (spec.md §8 "canCommit ... exactly one true").
		grant = attempt.EvCommitGranted
	} else {
		m.log.Warn("commit denied", zap.Error(amerrors.ErrCommitDenied.GenWithStackByArgs(requester.String(), t.committedAttempt.String())))
	}
	return []event.Event{
		event.New(event.Subject{Kind: event.KindTaskAttempt, ID: requester.String()}, grant, nil),
	}, nil
}

func (m *Machine) onInputReady(t *Task, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(InputReadyPayload)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed TASK_INPUT_READY payload for " + t.ID.String())
	}
	t.PendingEvents = append(t.PendingEvents, payload)
	return nil, nil
}

// onAttemptTerminal handles the terminal event emitted by one of this
// task's attempts (spec.md §4.4). Note that a losing commit race can
// deliver a terminal event for an attempt after the task has already
// reached SUCCEEDED via a different attempt — that case is a silent
// no-op, same as the container machine's post-COMPLETED guard.
func (m *Machine) onAttemptTerminal(t *Task, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(attempt.TerminalPayload)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed attempt-terminal payload for " + t.ID.String())
	}

	var out []event.Event
	switch payload.State {
	case attempt.Succeeded:
		t.State = Succeeded
		out = []event.Event{m.terminalEvent(t, EvTaskSucceeded)}
	case attempt.Killed:
		t.State = Killed
		out = []event.Event{m.terminalEvent(t, EvTaskKilled)}
	case attempt.Failed:
		if payload.Diagnostics != "" {
			t.Diagnostics = append(t.Diagnostics, payload.Diagnostics)
		}
		if payload.Cause.CountsTowardBudget() {
			t.budgetUsed++
		}
		if t.budgetUsed >= t.MaxAttempts {
			t.State = Failed
			lastAttempt := t.Attempts[len(t.Attempts)-1]
			m.log.Warn("task failed", zap.Error(amerrors.ErrTaskFailed.GenWithStackByArgs(lastAttempt.String(), payload.Diagnostics)))
			out = []event.Event{m.terminalEvent(t, EvTaskFailed)}
		} else {
			out = m.spawnAttempt(t, true)
		}
	}

	if m.metrics != nil {
		switch t.State {
		case Succeeded:
			m.metrics.Succeeded.Inc()
		case Failed:
			m.metrics.Failed.Inc()
		}
	}
	return out, nil
}

func (m *Machine) terminalEvent(t *Task, kind event.Kind) event.Event {
	return event.New(
		event.Subject{Kind: event.KindVertex, ID: t.ID.Vertex.String()},
		kind,
		TerminalPayload{TaskIndex: t.ID.Index, Diagnostics: append([]string(nil), t.Diagnostics...)},
	)
}

// FailureToleranceExceeded reports whether a vertex with failedCount
// failed tasks out of numTasks total exceeds its configured fraction
// tolerance, per spec.md §4.4's "unless the vertex tolerates partial
// failure" clause. Shared with internal/vertex so both sides of the
// threshold compute it identically.
func FailureToleranceExceeded(failedCount, numTasks int, tolerance float64) bool {
	if numTasks == 0 {
		return false
	}
	return float64(failedCount) > math.Ceil(tolerance*float64(numTasks))
}
