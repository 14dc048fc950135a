package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

type fakePublisher struct {
	registered map[string]bool
	queued     map[string]QueuedTask
	cleared    map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{registered: map[string]bool{}, queued: map[string]QueuedTask{}, cleared: map[string]bool{}}
}

func (f *fakePublisher) RegisterContainer(id ids.ContainerId) {
	f.registered[id.String()] = true
}

func (f *fakePublisher) PublishQueuedTask(id ids.ContainerId, t QueuedTask) {
	f.queued[id.String()] = t
}

func (f *fakePublisher) ClearContainer(id ids.ContainerId) {
	f.cleared[id.String()] = true
}

func testApp() ids.ApplicationId { return ids.ApplicationId{ClusterTimestamp: 1, ID: 1} }

func testContainerID(n int64) ids.ContainerId {
	return ids.ContainerId{App: testApp(), ID: n}
}

func testAttempt(task, attempt int) ids.TaskAttemptId {
	dag := ids.DagId{App: testApp(), ID: 1}
	v := ids.VertexId{Dag: dag, ID: 0}
	t := ids.TaskId{Vertex: v, Index: task}
	return ids.TaskAttemptId{Task: t, Attempt: attempt}
}

// harness wires a Machine to a live bus so transitions can be driven
// end to end and their emitted events observed.
type harness struct {
	t    *testing.T
	bus  *event.Bus
	mach *Machine
	pub  *fakePublisher
	sink chan event.Event
}

func newHarness(t *testing.T) *harness {
	pub := newFakePublisher()
	sink := make(chan event.Event, 64)
	bus := event.NewBus(zap.NewNop(), nil)
	mach := NewMachine(zap.NewNop(), bus, pub, nil, nil, "")
	bus.Register(event.KindContainer, mach.Handler())
	// Capture every non-container event (what the machine emits
	// outward) by registering catch-all handlers on the other kinds.
	for _, k := range []event.EntityKind{event.KindTaskAttempt, event.KindNM, event.KindRM} {
		kind := k
		bus.Register(kind, func(e event.Event) error {
			sink <- e
			return nil
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Stop()
	})
	return &harness{t: t, bus: bus, mach: mach, pub: pub, sink: sink}
}

func (h *harness) drain(n int) []event.Event {
	var out []event.Event
	for i := 0; i < n; i++ {
		select {
		case e := <-h.sink:
			out = append(out, e)
		case <-time.After(time.Second):
			h.t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func (h *harness) assertNoMore() {
	select {
	case e := <-h.sink:
		h.t.Fatalf("unexpected extra event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestContainer_AssignAfterLaunch(t *testing.T) {
	h := newHarness(t)
	cid := testContainerID(1)
	h.mach.Register(cid, "node1")

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunchRequest, LaunchRequestPayload{}))
	evs := h.drain(1)
	assert.Equal(t, EvNMLaunchRequest, evs[0].Kind)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunched, nil))
	time.Sleep(20 * time.Millisecond)

	attempt := testAttempt(0, 0)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA,
		AssignPayload{Attempt: attempt, Resources: map[string]struct{}{"a": {}}}))
	time.Sleep(20 * time.Millisecond)

	c, ok := h.mach.Get(cid)
	require.True(t, ok)
	assert.Equal(t, Idle, c.State)
	require.NotNil(t, c.Queued)
	assert.Equal(t, attempt, *c.Queued)
	h.assertNoMore()
}

func TestContainer_DoubleAssignmentIsAnError(t *testing.T) {
	h := newHarness(t)
	cid := testContainerID(2)
	h.mach.Register(cid, "node1")

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunchRequest, LaunchRequestPayload{}))
	h.drain(1)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunched, nil))
	time.Sleep(10 * time.Millisecond)

	a1 := testAttempt(0, 0)
	a2 := testAttempt(1, 0)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA, AssignPayload{Attempt: a1}))
	time.Sleep(10 * time.Millisecond)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA, AssignPayload{Attempt: a2}))

	evs := h.drain(3)
	kinds := map[event.Kind]int{}
	for _, e := range evs {
		kinds[e.Kind]++
	}
	assert.Equal(t, 2, kinds[EvTAContainerTerminating])
	assert.Equal(t, 1, kinds[EvNMStopRequest])

	c, _ := h.mach.Get(cid)
	assert.Equal(t, StopRequested, c.State)
	assert.True(t, c.IsInErrorState)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvNMStopSent, nil))
	time.Sleep(10 * time.Millisecond)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvCompleted, CompletedPayload{Preempted: false}))

	// Queued/running were both cleared by the double-assignment path,
	// so COMPLETED here emits nothing further.
	h.assertNoMore()
}

func TestContainer_PreemptionDuringRunning(t *testing.T) {
	h := newHarness(t)
	cid := testContainerID(3)
	h.mach.Register(cid, "node1")
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunchRequest, LaunchRequestPayload{}))
	h.drain(1)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunched, nil))
	time.Sleep(10 * time.Millisecond)

	a := testAttempt(0, 0)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA, AssignPayload{Attempt: a}))
	time.Sleep(10 * time.Millisecond)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvPullTask, nil))
	evs := h.drain(1)
	assert.Equal(t, EvTAStartedRemotely, evs[0].Kind)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvCompleted, CompletedPayload{Preempted: true}))
	evs = h.drain(1)
	assert.Equal(t, EvTAContainerPreempted, evs[0].Kind)

	c, _ := h.mach.Get(cid)
	assert.Equal(t, Completed, c.State)

	// A subsequent TA_SUCCEEDED is a silent no-op on a terminal container.
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvTASucceeded, nil))
	h.assertNoMore()
	c, _ = h.mach.Get(cid)
	assert.Equal(t, Completed, c.State)
}

func TestContainer_CredentialsAcrossDags(t *testing.T) {
	h := newHarness(t)
	cid := testContainerID(4)
	h.mach.Register(cid, "node1")
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunchRequest, LaunchRequestPayload{}))
	h.drain(1)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunched, nil))
	time.Sleep(10 * time.Millisecond)

	dag1 := ids.DagId{App: testApp(), ID: 1}
	dag2 := ids.DagId{App: testApp(), ID: 2}
	dag3 := ids.DagId{App: testApp(), ID: 3}

	assign := func(a ids.TaskAttemptId, dag ids.DagId, creds Credentials) {
		h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA,
			AssignPayload{Attempt: a, Dag: dag, Credentials: creds}))
		time.Sleep(10 * time.Millisecond)
		h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvPullTask, nil))
		h.drain(1)
		h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvTASucceeded, nil))
		time.Sleep(10 * time.Millisecond)
	}

	assign(testAttempt(0, 0), dag1, Credentials{"token": "tokenDag1"})
	q := h.pub.queued[cid.String()]
	assert.True(t, q.CredentialsChanged)
	assert.Equal(t, "tokenDag1", q.Credentials["token"])

	assign(testAttempt(1, 0), dag1, Credentials{"token": "tokenDag1"})
	q = h.pub.queued[cid.String()]
	assert.False(t, q.CredentialsChanged)
	assert.Nil(t, q.Credentials)

	assign(testAttempt(2, 0), dag2, nil)
	q = h.pub.queued[cid.String()]
	assert.True(t, q.CredentialsChanged)
	assert.Nil(t, q.Credentials)

	assign(testAttempt(3, 0), dag3, Credentials{"token": "tokenDag3"})
	q = h.pub.queued[cid.String()]
	assert.True(t, q.CredentialsChanged)
	assert.Equal(t, "tokenDag3", q.Credentials["token"])
	_, hasOld := q.Credentials["tokenDag1"]
	assert.False(t, hasOld)
}

func TestContainer_NodeFailurePropagation(t *testing.T) {
	h := newHarness(t)
	cid := testContainerID(5)
	h.mach.Register(cid, "node1")
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunchRequest, LaunchRequestPayload{}))
	h.drain(1)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvLaunched, nil))
	time.Sleep(10 * time.Millisecond)

	a1 := testAttempt(0, 0)
	a2 := testAttempt(1, 0)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA, AssignPayload{Attempt: a1}))
	time.Sleep(10 * time.Millisecond)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvPullTask, nil))
	h.drain(1)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvTASucceeded, nil))
	time.Sleep(10 * time.Millisecond)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvAssignTA, AssignPayload{Attempt: a2}))
	time.Sleep(10 * time.Millisecond)
	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvPullTask, nil))
	h.drain(1)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvNodeFailed, nil))
	evs := h.drain(4)
	nodeFailedTargets := map[string]bool{}
	var terminating, deallocate int
	for _, e := range evs {
		switch e.Kind {
		case EvTANodeFailed:
			nodeFailedTargets[e.Subject.ID] = true
		case EvTAContainerTerminating:
			terminating++
			assert.Equal(t, a2.String(), e.Subject.ID)
		case EvSContainerDeallocate:
			deallocate++
		}
	}
	assert.True(t, nodeFailedTargets[a1.String()])
	assert.True(t, nodeFailedTargets[a2.String()])
	assert.Equal(t, 1, terminating)
	assert.Equal(t, 1, deallocate)

	c, _ := h.mach.Get(cid)
	assert.Equal(t, Stopping, c.State)

	h.bus.Handle(event.New(event.Subject{Kind: event.KindContainer, ID: cid.String()}, EvCompleted, CompletedPayload{}))
	evs = h.drain(1)
	assert.Equal(t, EvTAContainerTerminated, evs[0].Kind)
	assert.Equal(t, a2.String(), evs[0].Subject.ID)
}
