package attempt

import (
	"sync"

	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/container"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/metrics"
)

// Machine owns every live Attempt and is registered on the bus as the
// handler for event.KindTaskAttempt.
type Machine struct {
	log       *zap.Logger
	bus       *event.Bus
	metrics   *metrics.Attempts
	blacklist NodeBlacklister
	notifier  CommitNotifier

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// SetCommitNotifier wires the listener's commit-arbitration waiter in
// after construction, to avoid a third constructor-signature break once
// internal/appmaster exists. Safe to call at most once, before Run.
func (m *Machine) SetCommitNotifier(n CommitNotifier) {
	m.notifier = n
}

func NewMachine(log *zap.Logger, bus *event.Bus, m *metrics.Attempts, blacklist NodeBlacklister) *Machine {
	return &Machine{
		log:       log,
		bus:       bus,
		metrics:   m,
		blacklist: blacklist,
		attempts:  make(map[string]*Attempt),
	}
}

// Register installs a freshly created attempt (in NEW state). It does
// not schedule it: the owning task requests scheduling separately, and
// the attempt leaves NEW when the scheduler's SCHEDULE event reaches it.
func (m *Machine) Register(a *Attempt) {
	m.mu.Lock()
	m.attempts[a.ID.String()] = a
	m.mu.Unlock()
}

func (m *Machine) Get(id ids.TaskAttemptId) (*Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id.String()]
	return a, ok
}

func (m *Machine) Handler() event.Handler {
	return func(e event.Event) error {
		m.mu.Lock()
		a, ok := m.attempts[e.Subject.ID]
		m.mu.Unlock()
		if !ok {
			m.log.Warn("event for unknown attempt", zap.String("subject", e.Subject.String()))
			return nil
		}
		out, err := m.transition(a, e)
		for _, o := range out {
			m.bus.Handle(o)
		}
		return err
	}
}

func (m *Machine) transition(a *Attempt, e event.Event) ([]event.Event, error) {
	if a.State.Terminal() {
		return nil, nil
	}

	switch e.Kind {
	case EvSchedule:
		return m.onSchedule(a, e)
	case EvContainerAssigned:
		return m.onContainerAssigned(a, e)
	case EvStartedRemotely:
		return m.onStartedRemotely(a)
	case EvContainerTerminating:
		return m.onContainerTerminating(a)
	case EvContainerTerminated:
		return m.onContainerTerminated(a)
	case EvAllocationFailed:
		diag, _ := e.Payload.(string)
		return m.finish(a, Failed, CauseResourceManagerUnavailable, diag)
	case EvContainerPreempted:
		return m.finish(a, Failed, CauseContainerPreempted, "container preempted")
	case EvNodeFailed:
		return m.onNodeFailed(a, e)
	case EvWorkerFailed:
		diag, _ := e.Payload.(string)
		return m.finish(a, Failed, CauseWorkerReportedFailure, diag)
	case EvWorkerSucceeded:
		return m.onWorkerSucceeded(a)
	case EvCommitGranted:
		if m.notifier != nil {
			m.notifier.NotifyCommitResult(a.ID, true)
		}
		return m.finish(a, Succeeded, CauseNone, "")
	case EvCommitDenied:
		if m.notifier != nil {
			m.notifier.NotifyCommitResult(a.ID, false)
		}
		return m.finish(a, Failed, CauseCommitDenied, "commit denied")
	case EvKill:
		return m.finish(a, Killed, CauseNone, "killed")
	default:
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs(
			"attempt " + a.ID.String() + " received unrecognised event " + string(e.Kind) + " in state " + a.State.String())
	}
}

func (m *Machine) onSchedule(a *Attempt, e event.Event) ([]event.Event, error) {
	if a.State != New {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("SCHEDULE outside NEW for " + a.ID.String())
	}
	payload, _ := e.Payload.(SchedulePayload)
	payload.Attempt = a.ID
	a.State = StartWait
	return []event.Event{
		event.New(event.Subject{Kind: event.KindRM, ID: a.ID.String()}, EvRMContainerRequest, payload),
	}, nil
}

func (m *Machine) onContainerAssigned(a *Attempt, e event.Event) ([]event.Event, error) {
	if a.State != StartWait {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("TA_CONTAINER_ASSIGNED outside START_WAIT for " + a.ID.String())
	}
	cid, ok := e.Payload.(ids.ContainerId)
	if !ok {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed TA_CONTAINER_ASSIGNED payload for " + a.ID.String())
	}
	a.ContainerID = cid
	a.hasContainer = true
	a.State = Submitted
	return nil, nil
}

func (m *Machine) onStartedRemotely(a *Attempt) ([]event.Event, error) {
	if a.State != Submitted {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("TA_STARTED_REMOTELY outside SUBMITTED for " + a.ID.String())
	}
	a.State = Running
	return nil, nil
}

// onContainerTerminating is advisory: the container has begun shutting
// down but has not yet reported COMPLETED. The attempt records a
// diagnostic but does not yet transition; the authoritative signal is
// TA_CONTAINER_TERMINATED/PREEMPTED.
func (m *Machine) onContainerTerminating(a *Attempt) ([]event.Event, error) {
	a.Diagnostics = append(a.Diagnostics, "container terminating")
	return nil, nil
}

func (m *Machine) onContainerTerminated(a *Attempt) ([]event.Event, error) {
	cause := CauseContainerTerminatedDuringRunning
	if a.State != Running {
		cause = CauseContainerTerminatedBeforeRunning
	}
	return m.finish(a, Failed, cause, "container terminated")
}

func (m *Machine) onNodeFailed(a *Attempt, e event.Event) ([]event.Event, error) {
	if payload, ok := e.Payload.(container.NodeFailedPayload); ok && m.blacklist != nil && payload.NodeID != "" {
		m.blacklist.Mark(a.ID.Task, payload.NodeID, "TA_NODE_FAILED for "+a.ID.String())
	}
	return m.finish(a, Failed, CauseNodeFailed, "node failed")
}

func (m *Machine) onWorkerSucceeded(a *Attempt) ([]event.Event, error) {
	if a.State != Running {
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("TA_WORKER_SUCCEEDED outside RUNNING for " + a.ID.String())
	}
	if a.NeedsCommit {
		a.State = CommitPending
		return []event.Event{
			event.New(event.Subject{Kind: event.KindTask, ID: a.ID.Task.String()}, EvRequestCommit, a.ID),
		}, nil
	}
	return m.finish(a, Succeeded, CauseNone, "")
}

// finish transitions a into a terminal state and emits the terminal
// event to its owning task. Per spec.md §3, the event bus is the only
// permitted channel between entities, so this is how the task learns
// of the outcome — not a direct call — even though both machines
// happen to run on the same dispatch goroutine.
func (m *Machine) finish(a *Attempt, state State, cause Cause, diagnostics string) ([]event.Event, error) {
	a.State = state
	if diagnostics != "" {
		a.Diagnostics = append(a.Diagnostics, diagnostics)
	}
	if m.metrics != nil {
		switch state {
		case Succeeded:
			m.metrics.Succeeded.Inc()
		case Failed:
			m.metrics.Failed.Inc()
		case Killed:
			m.metrics.Killed.Inc()
		}
		if a.IsRescheduled {
			m.metrics.Retried.Inc()
		}
	}
	var kind event.Kind
	switch state {
	case Succeeded:
		kind = EvTaskAttemptSucceeded
	case Failed:
		kind = EvTaskAttemptFailed
	case Killed:
		kind = EvTaskAttemptKilled
	}
	return []event.Event{
		event.New(event.Subject{Kind: event.KindTask, ID: a.ID.Task.String()}, kind,
			TerminalPayload{Attempt: a.ID, State: state, Cause: cause, Diagnostics: diagnostics}),
	}, nil
}
