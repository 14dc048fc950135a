package rm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/container"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

type fakePublisher struct{}

func (fakePublisher) RegisterContainer(ids.ContainerId)                      {}
func (fakePublisher) PublishQueuedTask(ids.ContainerId, container.QueuedTask) {}
func (fakePublisher) ClearContainer(ids.ContainerId)                         {}

func testApp() ids.ApplicationId { return ids.ApplicationId{ClusterTimestamp: 1, ID: 1} }

func testAttempt() ids.TaskAttemptId {
	dag := ids.DagId{App: testApp(), ID: 1}
	v := ids.VertexId{Dag: dag, ID: 0}
	return ids.TaskAttemptId{Task: ids.TaskId{Vertex: v, Index: 0}, Attempt: 0}
}

type fakeClient struct {
	mu           sync.Mutex
	grant        Grant
	grantSeq     []Grant
	failuresLeft int
	releaseErr   error
	released     chan ids.ContainerId
}

func (c *fakeClient) Allocate(ctx context.Context, ask Ask) (Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failuresLeft > 0 {
		c.failuresLeft--
		return Grant{}, errors.New("resource manager temporarily unavailable")
	}
	if len(c.grantSeq) > 0 {
		g := c.grantSeq[0]
		if len(c.grantSeq) > 1 {
			c.grantSeq = c.grantSeq[1:]
		}
		return g, nil
	}
	return c.grant, nil
}

func (c *fakeClient) Release(ctx context.Context, containerID ids.ContainerId) error {
	if c.released != nil {
		c.released <- containerID
	}
	return c.releaseErr
}

type fakeBlacklist struct {
	blacklisted map[ids.TaskId]map[string]string
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{blacklisted: map[ids.TaskId]map[string]string{}}
}

func (f *fakeBlacklist) mark(taskID ids.TaskId, nodeID, reason string) {
	if f.blacklisted[taskID] == nil {
		f.blacklisted[taskID] = map[string]string{}
	}
	f.blacklisted[taskID][nodeID] = reason
}

func (f *fakeBlacklist) Reason(taskID ids.TaskId, nodeID string) (string, bool) {
	reason, ok := f.blacklisted[taskID][nodeID]
	return reason, ok
}

type harness struct {
	bus  *event.Bus
	sink chan event.Event
}

func newHarness(t *testing.T, client Client, blacklist NodeBlacklistLookup) *harness {
	t.Helper()
	sink := make(chan event.Event, 64)
	bus := event.NewBus(zap.NewNop(), nil)
	containers := container.NewMachine(zap.NewNop(), bus, fakePublisher{}, nil, nil, "")
	comm := New(zap.NewNop(), bus, client, containers, blacklist)

	bus.Register(event.KindRM, comm.Handler())
	for _, k := range []event.EntityKind{event.KindTaskAttempt, event.KindContainer} {
		kind := k
		bus.Register(kind, func(e event.Event) error { sink <- e; return nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	go comm.Run(ctx, 2)
	t.Cleanup(func() { cancel(); bus.Stop() })
	return &harness{bus: bus, sink: sink}
}

func (h *harness) drain(t *testing.T, n int) []event.Event {
	t.Helper()
	var out []event.Event
	for i := 0; i < n; i++ {
		select {
		case e := <-h.sink:
			out = append(out, e)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return out
}

func TestCommunicator_SuccessfulAllocateEmitsLaunchAndAssign(t *testing.T) {
	aID := testAttempt()
	grant := Grant{Attempt: aID, Container: ids.ContainerId{App: testApp(), ID: 1}, NodeID: "node-1"}
	h := newHarness(t, &fakeClient{grant: grant}, nil)

	h.bus.Handle(event.New(
		event.Subject{Kind: event.KindRM, ID: aID.String()},
		attempt.EvRMContainerRequest,
		attempt.SchedulePayload{Attempt: aID, Priority: 2, Resource: attempt.Resource{Memory: 1024}},
	))

	evs := h.drain(t, 3)
	kinds := map[event.Kind]event.Event{}
	for _, e := range evs {
		kinds[e.Kind] = e
	}
	require.Contains(t, kinds, container.EvLaunchRequest)
	require.Contains(t, kinds, container.EvAssignTA)
	require.Contains(t, kinds, attempt.EvContainerAssigned)

	assignPayload, ok := kinds[container.EvAssignTA].Payload.(container.AssignPayload)
	require.True(t, ok)
	require.Equal(t, aID, assignPayload.Attempt)
}

func TestCommunicator_RetriesTransientAllocateFailureThenSucceeds(t *testing.T) {
	aID := testAttempt()
	grant := Grant{Attempt: aID, Container: ids.ContainerId{App: testApp(), ID: 2}, NodeID: "node-2"}
	h := newHarness(t, &fakeClient{grant: grant, failuresLeft: 2}, nil)

	h.bus.Handle(event.New(
		event.Subject{Kind: event.KindRM, ID: aID.String()},
		attempt.EvRMContainerRequest,
		attempt.SchedulePayload{Attempt: aID, Priority: 2},
	))

	evs := h.drain(t, 3)
	var sawAssign bool
	for _, e := range evs {
		if e.Kind == container.EvAssignTA {
			sawAssign = true
		}
	}
	require.True(t, sawAssign, "allocate should eventually succeed once the transient failures are used up")
}

func TestCommunicator_RejectsGrantOnBlacklistedNodeThenAcceptsClean(t *testing.T) {
	aID := testAttempt()
	badGrant := Grant{Attempt: aID, Container: ids.ContainerId{App: testApp(), ID: 3}, NodeID: "node-bad"}
	goodGrant := Grant{Attempt: aID, Container: ids.ContainerId{App: testApp(), ID: 4}, NodeID: "node-good"}
	released := make(chan ids.ContainerId, 1)

	bl := newFakeBlacklist()
	bl.mark(aID.Task, "node-bad", "TA_NODE_FAILED for "+aID.String())

	h := newHarness(t, &fakeClient{grantSeq: []Grant{badGrant, goodGrant}, released: released}, bl)

	h.bus.Handle(event.New(
		event.Subject{Kind: event.KindRM, ID: aID.String()},
		attempt.EvRMContainerRequest,
		attempt.SchedulePayload{Attempt: aID, Priority: 2, ExcludedNodes: []string{"node-bad"}},
	))

	select {
	case got := <-released:
		require.Equal(t, badGrant.Container, got, "the blacklisted grant's container should be released back to the resource manager")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the blacklisted grant to be released")
	}

	evs := h.drain(t, 3)
	var sawLaunchRequest bool
	for _, e := range evs {
		if e.Kind == container.EvLaunchRequest {
			sawLaunchRequest = true
			payload := e.Payload.(container.LaunchRequestPayload)
			require.Equal(t, goodGrant.Container, payload.Container, "the communicator should launch the clean grant's container, not the blacklisted one")
		}
	}
	require.True(t, sawLaunchRequest)
}

func TestCommunicator_DeallocateCallsRelease(t *testing.T) {
	cid := ids.ContainerId{App: testApp(), ID: 5}
	released := make(chan ids.ContainerId, 1)
	h := newHarness(t, &fakeClient{released: released}, nil)

	h.bus.Handle(event.New(
		event.Subject{Kind: event.KindRM, ID: cid.String()},
		container.EvSContainerDeallocate,
		container.DeallocatePayload{Container: cid},
	))

	select {
	case got := <-released:
		require.Equal(t, cid, got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Release call")
	}
}
