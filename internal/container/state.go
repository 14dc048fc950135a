package container

import (
	"sync"

	"go.uber.org/zap"

	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/metrics"
)

// QueuedTask is everything the task-attempt listener needs to answer a
// getTask RPC without consulting the Container entity directly
// (spec.md §5: "RPC handlers never touch state machines directly").
type QueuedTask struct {
	Attempt             ids.TaskAttemptId
	AdditionalResources map[string]struct{}
	Credentials         Credentials
	CredentialsChanged  bool
	ProfileJVMOpts      string
}

// QueuePublisher receives container lifecycle and queued-task handoffs,
// called synchronously from the dispatch goroutine. Implemented by
// internal/listener.
type QueuePublisher interface {
	// RegisterContainer is called once the launch request is sent, so a
	// worker polling getTask/heartbeat before its first ASSIGN_TA is
	// answered with "nothing queued yet" rather than shouldDie.
	RegisterContainer(containerID ids.ContainerId)
	PublishQueuedTask(containerID ids.ContainerId, task QueuedTask)
	ClearContainer(containerID ids.ContainerId)
}

// Machine owns every live Container and is registered on the bus as the
// handler for event.KindContainer. All methods except the ones
// documented otherwise must only be called from the dispatch goroutine.
type Machine struct {
	log       *zap.Logger
	bus       *event.Bus
	publisher QueuePublisher
	metrics   *metrics.Containers

	mu         sync.Mutex
	containers map[string]*Container

	profileContainers map[int64]struct{}
	profileJVMOpts    string
}

func NewMachine(log *zap.Logger, bus *event.Bus, publisher QueuePublisher, m *metrics.Containers, profileContainers map[int64]struct{}, profileJVMOpts string) *Machine {
	return &Machine{
		log:               log,
		bus:               bus,
		publisher:         publisher,
		metrics:           m,
		containers:        make(map[string]*Container),
		profileContainers: profileContainers,
		profileJVMOpts:    profileJVMOpts,
	}
}

// Register adds a freshly RM-granted container in ALLOCATED state.
func (m *Machine) Register(id ids.ContainerId, nodeID string) *Container {
	c := New(id, nodeID)
	if _, profiled := m.profileContainers[id.ID]; profiled {
		c.ProfileJVMOpts = m.profileJVMOpts
	}
	m.mu.Lock()
	m.containers[id.String()] = c
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Allocated.Inc()
	}
	return c
}

func (m *Machine) Get(id ids.ContainerId) (*Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id.String()]
	return c, ok
}

// Handler returns the event.Handler to register for event.KindContainer.
func (m *Machine) Handler() event.Handler {
	return func(e event.Event) error {
		m.mu.Lock()
		c, ok := m.containers[e.Subject.ID]
		m.mu.Unlock()
		if !ok {
			m.log.Warn("event for unknown container", zap.String("subject", e.Subject.String()))
			return nil
		}
		out, err := m.transition(c, e)
		for _, o := range out {
			m.bus.Handle(o)
		}
		return err
	}
}

// transition is the pure(-ish) handler for one Container entity: it
// mutates c in place per spec.md §4.2's transition table and returns
// the events it must emit. It is never called concurrently with itself
// for the same container — the bus serialises per subject by running
// entirely on one dispatch goroutine.
func (m *Machine) transition(c *Container, e event.Event) ([]event.Event, error) {
	if c.State == Completed && e.Kind != EvAssignTA {
		// Terminal: every further event (notably a late TA_SUCCEEDED
		// racing a preemption) is a silent no-op, per spec.md §8
		// scenario 4. ASSIGN_TA still reaches onAssignTA, which tells
		// the newcomer the container is gone.
		return nil, nil
	}

	switch e.Kind {
	case EvLaunchRequest:
		return m.onLaunchRequest(c, e)
	case EvAssignTA:
		return m.onAssignTA(c, e)
	case EvLaunched:
		return m.onLaunched(c)
	case EvLaunchFailed:
		return m.onLaunchFailed(c)
	case EvPullTask:
		return m.onPullTask(c)
	case EvTASucceeded:
		return m.onTASucceeded(c)
	case EvCompleted:
		return m.onCompleted(c, e)
	case EvNodeFailed:
		return m.onNodeFailed(c)
	case EvTimedOut:
		return m.onTimedOut(c)
	case EvNMStopFailed:
		return m.onNMStopFailed(c)
	case EvNMStopSent:
		if c.State == StopRequested {
			c.State = Stopping
		}
		return nil, nil
	default:
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs(
			"container " + c.ID.String() + " received unrecognised event " + string(e.Kind) + " in state " + c.State.String())
	}
}

func (m *Machine) onLaunchRequest(c *Container, e event.Event) ([]event.Event, error) {
	if c.State != Allocated {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("LAUNCH_REQUEST outside ALLOCATED for " + c.ID.String())
	}
	payload, _ := e.Payload.(LaunchRequestPayload)
	payload.Container = c.ID
	c.State = Launching
	m.publisher.RegisterContainer(c.ID)
	if m.metrics != nil {
		m.metrics.Launching.Inc()
	}
	return []event.Event{
		event.New(event.Subject{Kind: event.KindNM, ID: c.ID.String()}, EvNMLaunchRequest, payload),
	}, nil
}

func (m *Machine) onAssignTA(c *Container, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(AssignPayload)
	if !ok {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed ASSIGN_TA payload for " + c.ID.String())
	}

	switch c.State {
	case Launching, Idle:
		if c.Queued == nil {
			return m.acceptAssignment(c, payload), nil
		}
		// Double assignment: spec.md §8 scenario 3.
		c.IsInErrorState = true
		old := *c.Queued
		c.Queued = nil
		c.State = StopRequested
		return []event.Event{
			taEvent(old, EvTAContainerTerminating, nil),
			taEvent(payload.Attempt, EvTAContainerTerminating, nil),
			event.New(event.Subject{Kind: event.KindNM, ID: c.ID.String()}, EvNMStopRequest, StopRequestPayload{Container: c.ID}),
		}, nil
	case Completed:
		// Open question resolved per spec.md §9: preserve both the
		// advisory error flag and the termination notice to the
		// newcomer.
		c.IsInErrorState = true
		return []event.Event{taEvent(payload.Attempt, EvTAContainerTerminated, nil)}, nil
	default:
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("ASSIGN_TA in state " + c.State.String() + " for " + c.ID.String())
	}
}

func (m *Machine) acceptAssignment(c *Container, payload AssignPayload) []event.Event {
	c.Queued = &payload.Attempt
	c.AttemptsEverRun = append(c.AttemptsEverRun, payload.Attempt)

	delta := c.resourceDelta(payload.Resources)
	changed, creds := c.credentialsDelta(payload.Dag, payload.Credentials)

	m.publisher.PublishQueuedTask(c.ID, QueuedTask{
		Attempt:             payload.Attempt,
		AdditionalResources: delta,
		Credentials:         creds,
		CredentialsChanged:  changed,
		ProfileJVMOpts:      c.ProfileJVMOpts,
	})
	return nil
}

func (m *Machine) onLaunched(c *Container) ([]event.Event, error) {
	if c.State != Launching {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("LAUNCHED outside LAUNCHING for " + c.ID.String())
	}
	c.State = Idle
	if m.metrics != nil {
		m.metrics.Idle.Inc()
	}
	return nil, nil
}

// onLaunchFailed handles the node manager failing to start the
// container's process at all — distinct from EvNMStopFailed, which only
// ever arrives once a stop is already in flight (spec.md §7
// ErrContainerLaunchFailed).
func (m *Machine) onLaunchFailed(c *Container) ([]event.Event, error) {
	if c.State != Launching {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("LAUNCH_FAILED outside LAUNCHING for " + c.ID.String())
	}
	m.log.Warn("container launch failed", zap.Error(amerrors.ErrContainerLaunchFailed.GenWithStackByArgs(c.ID.String(), "node manager rejected the start request")))
	var out []event.Event
	if c.Queued != nil {
		out = append(out, taEvent(*c.Queued, EvTAContainerTerminated, nil))
		c.Queued = nil
	}
	out = append(out, event.New(event.Subject{Kind: event.KindRM, ID: c.ID.String()}, EvSContainerDeallocate, DeallocatePayload{Container: c.ID}))
	c.State = Stopping
	return out, nil
}

func (m *Machine) onPullTask(c *Container) ([]event.Event, error) {
	if c.State != Idle || c.Queued == nil {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("PULL_TASK with nothing queued for " + c.ID.String())
	}
	c.Running = c.Queued
	c.Queued = nil
	c.State = Running
	if m.metrics != nil {
		m.metrics.Running.Inc()
	}
	return []event.Event{taEvent(*c.Running, EvTAStartedRemotely, nil)}, nil
}

func (m *Machine) onTASucceeded(c *Container) ([]event.Event, error) {
	if c.State != Running {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("TA_SUCCEEDED outside RUNNING for " + c.ID.String())
	}
	c.Running = nil
	c.State = Idle
	return nil, nil
}

func (m *Machine) onCompleted(c *Container, e event.Event) ([]event.Event, error) {
	payload, _ := e.Payload.(CompletedPayload)
	var out []event.Event
	kind := EvTAContainerTerminated
	if payload.Preempted {
		kind = EvTAContainerPreempted
	}
	if c.Queued != nil {
		out = append(out, taEvent(*c.Queued, kind, nil))
	}
	if c.Running != nil {
		out = append(out, taEvent(*c.Running, kind, nil))
	}
	c.Queued, c.Running = nil, nil
	c.State = Completed
	c.LocalizedResources = make(map[string]struct{})
	m.publisher.ClearContainer(c.ID)
	if m.metrics != nil {
		m.metrics.Completed.Inc()
	}
	return out, nil
}

func (m *Machine) onNodeFailed(c *Container) ([]event.Event, error) {
	m.log.Warn("node failed", zap.Error(amerrors.ErrNodeFailed.GenWithStackByArgs(c.NodeID)))
	var out []event.Event
	for _, a := range c.AttemptsEverRun {
		out = append(out, taEvent(a, EvTANodeFailed, NodeFailedPayload{NodeID: c.NodeID}))
	}
	if c.Queued != nil {
		out = append(out, taEvent(*c.Queued, EvTAContainerTerminating, nil))
	}
	if c.Running != nil {
		out = append(out, taEvent(*c.Running, EvTAContainerTerminating, nil))
	}
	out = append(out, event.New(event.Subject{Kind: event.KindRM, ID: c.ID.String()}, EvSContainerDeallocate, DeallocatePayload{Container: c.ID}))
	c.State = Stopping
	return out, nil
}

func (m *Machine) onTimedOut(c *Container) ([]event.Event, error) {
	if c.State != Running && c.State != Idle {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("C_TIMED_OUT outside RUNNING/IDLE for " + c.ID.String())
	}
	m.log.Warn("container heartbeat timed out", zap.Error(amerrors.ErrContainerTimedOut.GenWithStackByArgs(c.ID.String())))
	var out []event.Event
	if c.Queued != nil {
		out = append(out, taEvent(*c.Queued, EvTAContainerTerminating, nil))
	}
	if c.Running != nil {
		out = append(out, taEvent(*c.Running, EvTAContainerTerminating, nil))
	}
	out = append(out, event.New(event.Subject{Kind: event.KindNM, ID: c.ID.String()}, EvNMStopRequest, StopRequestPayload{Container: c.ID}))
	c.State = StopRequested
	return out, nil
}

func (m *Machine) onNMStopFailed(c *Container) ([]event.Event, error) {
	if c.State != StopRequested {
		c.IsInErrorState = true
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("NM_STOP_FAILED outside STOP_REQUESTED for " + c.ID.String())
	}
	m.log.Warn("node manager failed to stop container", zap.Error(amerrors.ErrContainerStopFailed.GenWithStackByArgs(c.ID.String(), "giving up, deallocating directly")))
	c.State = Stopping
	return []event.Event{
		event.New(event.Subject{Kind: event.KindRM, ID: c.ID.String()}, EvSContainerDeallocate, DeallocatePayload{Container: c.ID}),
	}, nil
}

// EvTAStartedRemotely is emitted to the attempt subject when a worker
// successfully pulls its task (spec.md §4.8).
const EvTAStartedRemotely event.Kind = "TA_STARTED_REMOTELY"

func taEvent(attempt ids.TaskAttemptId, kind event.Kind, payload any) event.Event {
	return event.New(event.Subject{Kind: event.KindTaskAttempt, ID: attempt.String()}, kind, payload)
}
