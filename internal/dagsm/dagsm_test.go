package dagsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/dag"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/scheduler"
	"github.com/flowdag/tez-am/internal/task"
	"github.com/flowdag/tez-am/internal/vertex"
)

type harness struct {
	bus     *event.Bus
	dagM    *Machine
	vertexM *vertex.Machine
	taskM   *task.Machine
	attmptM *attempt.Machine
}

func newHarness(t *testing.T) *harness {
	bus := event.NewBus(zap.NewNop(), nil)
	attemptM := attempt.NewMachine(zap.NewNop(), bus, nil, nil)
	taskM := task.NewMachine(zap.NewNop(), bus, attemptM, nil, nil)
	dagM := NewMachine(zap.NewNop(), bus, nil)
	vertexM := vertex.NewMachine(zap.NewNop(), bus, taskM, dagM, nil, 4)
	sched := scheduler.New(zap.NewNop(), bus, dagM)

	bus.Register(event.KindTaskAttempt, attemptM.Handler())
	bus.Register(event.KindTask, taskM.Handler())
	bus.Register(event.KindVertex, vertexM.Handler())
	bus.Register(event.KindDag, dagM.Handler())
	bus.Register(event.KindScheduler, sched.Handler())
	bus.Register(event.KindRM, func(event.Event) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Stop()
	})
	return &harness{bus: bus, dagM: dagM, vertexM: vertexM, taskM: taskM, attmptM: attemptM}
}

func twoVertexSpec() dag.Spec {
	return dag.Spec{
		Name: "test-dag",
		Vertices: []dag.VertexSpec{
			{Name: "v0", Parallelism: 2, VertexManager: dag.VertexManagerDescriptor{ClassName: "ImmediateStart"}},
			{Name: "v1", Parallelism: 2, VertexManager: dag.VertexManagerDescriptor{ClassName: "ImmediateStart"}},
		},
		Edges: []dag.EdgeSpec{
			{Producer: "v0", Consumer: "v1", Manager: dag.EdgeManagerDescriptor{ClassName: "OneToOne"}},
		},
	}
}

func installDag(t *testing.T, h *harness, spec dag.Spec) (*dag.DAG, *Dag) {
	t.Helper()
	id := ids.DagId{App: ids.ApplicationId{ClusterTimestamp: 1, ID: 1}, ID: 1}
	topo, err := dag.Validate(id, spec)
	require.NoError(t, err)

	vertexNumTasks := make(map[string]int, len(topo.Vertices))
	for vid, vs := range topo.Vertices {
		vertexNumTasks[vid.String()] = vs.Parallelism
	}
	for vid, vs := range topo.Vertices {
		mgr, err := ResolveVertexManager(vs.VertexManager)
		require.NoError(t, err)
		v := vertex.New(vid, vs.Name, vs.Parallelism, topo.DistanceFromRoot[vid], attempt.Resource(vs.Resource), 0, vs.OutputCommitter, mgr)
		require.NoError(t, h.vertexM.Install(v))
	}

	d, err := h.dagM.Install(id, topo, vertexNumTasks)
	require.NoError(t, err)
	return topo, d
}

// driveTaskToSuccess walks a single task's current attempt all the way
// to a successful worker report, which drives the vertex and (via
// RouteTaskCompletion) the downstream edge and dagsm machinery.
func driveTaskToSuccess(h *harness, tid ids.TaskId) {
	tsk, ok := h.taskM.Get(tid)
	if !ok {
		return
	}
	attemptID := tsk.Attempts[len(tsk.Attempts)-1]
	sub := event.Subject{Kind: event.KindTaskAttempt, ID: attemptID.String()}
	h.bus.Handle(event.New(sub, attempt.EvContainerAssigned, ids.ContainerId{}))
	time.Sleep(5 * time.Millisecond)
	h.bus.Handle(event.New(sub, attempt.EvStartedRemotely, nil))
	time.Sleep(5 * time.Millisecond)
	h.bus.Handle(event.New(sub, attempt.EvWorkerSucceeded, nil))
	time.Sleep(5 * time.Millisecond)
}

func TestDag_SucceedsWhenAllVerticesSucceed(t *testing.T) {
	h := newHarness(t)
	topo, d := installDag(t, h, twoVertexSpec())

	v0 := topo.ByName["v0"]
	v1 := topo.ByName["v1"]
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		driveTaskToSuccess(h, ids.TaskId{Vertex: v0, Index: i})
	}
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 2; i++ {
		driveTaskToSuccess(h, ids.TaskId{Vertex: v1, Index: i})
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, Succeeded, d.State)
}

func TestDag_FailsFastOnVertexFailure(t *testing.T) {
	h := newHarness(t)
	topo, d := installDag(t, h, twoVertexSpec())
	v0 := topo.ByName["v0"]
	time.Sleep(10 * time.Millisecond)

	// Fail both v0 tasks past their attempt budget.
	for i := 0; i < 2; i++ {
		tid := ids.TaskId{Vertex: v0, Index: i}
		for attemptNum := 0; attemptNum < 4; attemptNum++ {
			tsk, ok := h.taskM.Get(tid)
			require.True(t, ok)
			attemptID := tsk.Attempts[len(tsk.Attempts)-1]
			sub := event.Subject{Kind: event.KindTaskAttempt, ID: attemptID.String()}
			h.bus.Handle(event.New(sub, attempt.EvContainerAssigned, ids.ContainerId{}))
			time.Sleep(2 * time.Millisecond)
			h.bus.Handle(event.New(sub, attempt.EvStartedRemotely, nil))
			time.Sleep(2 * time.Millisecond)
			h.bus.Handle(event.New(sub, attempt.EvWorkerFailed, "boom"))
			time.Sleep(5 * time.Millisecond)
		}
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, Failed, d.State)
}

func TestDag_DistanceFromRootMatchesTopology(t *testing.T) {
	h := newHarness(t)
	topo, _ := installDag(t, h, twoVertexSpec())
	v0 := topo.ByName["v0"]
	v1 := topo.ByName["v1"]

	dist0, ok := h.dagM.DistanceFromRoot(v0)
	require.True(t, ok)
	dist1, ok := h.dagM.DistanceFromRoot(v1)
	require.True(t, ok)
	assert.Equal(t, 0, dist0)
	assert.Equal(t, 1, dist1)
}

func TestResolveEdgeManager_UnknownClassIsError(t *testing.T) {
	_, err := ResolveEdgeManager(dag.EdgeManagerDescriptor{ClassName: "NotARealManager"})
	assert.Error(t, err)
}

func TestResolveVertexManager_UnknownClassIsError(t *testing.T) {
	_, err := ResolveVertexManager(dag.VertexManagerDescriptor{ClassName: "NotARealManager"})
	assert.Error(t, err)
}
