package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/attempt"
	"github.com/flowdag/tez-am/internal/event"
	"github.com/flowdag/tez-am/internal/ids"
)

func TestPriority_EvenForFreshOddForRescheduled(t *testing.T) {
	assert.Equal(t, 2, Priority(0, false))
	assert.Equal(t, 1, Priority(0, true))
	assert.Equal(t, 4, Priority(1, false))
	assert.Equal(t, 3, Priority(1, true))
}

type fixedDistance struct {
	byVertex map[ids.VertexId]int
}

func (f fixedDistance) DistanceFromRoot(v ids.VertexId) (int, bool) {
	d, ok := f.byVertex[v]
	return d, ok
}

func testAttemptID() ids.TaskAttemptId {
	app := ids.ApplicationId{ClusterTimestamp: 1, ID: 1}
	dag := ids.DagId{App: app, ID: 1}
	v := ids.VertexId{Dag: dag, ID: 2}
	return ids.TaskAttemptId{Task: ids.TaskId{Vertex: v, Index: 0}, Attempt: 0}
}

func TestHandler_EmitsScheduleWithComputedPriority(t *testing.T) {
	aID := testAttemptID()
	dist := fixedDistance{byVertex: map[ids.VertexId]int{aID.Task.Vertex: 1}}

	sink := make(chan event.Event, 1)
	bus := event.NewBus(zap.NewNop(), nil)
	s := New(zap.NewNop(), bus, dist)
	bus.Register(event.KindScheduler, s.Handler())
	bus.Register(event.KindTaskAttempt, func(e event.Event) error { sink <- e; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(func() { cancel(); bus.Stop() })

	bus.Handle(event.New(
		event.Subject{Kind: event.KindScheduler, ID: "scheduler"},
		EvScheduleAttempt,
		ScheduleAttemptPayload{Attempt: aID, Vertex: aID.Task.Vertex, Resource: attempt.Resource{Memory: 512}, IsRescheduled: true},
	))

	select {
	case e := <-sink:
		require.Equal(t, attempt.EvSchedule, e.Kind)
		payload, ok := e.Payload.(attempt.SchedulePayload)
		require.True(t, ok)
		assert.Equal(t, 3, payload.Priority)
		assert.True(t, payload.IsRescheduled)
		assert.Equal(t, attempt.Resource{Memory: 512}, payload.Resource)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TA_SCHEDULE")
	}
}

func TestHandler_UnknownVertexDefaultsToDistanceZero(t *testing.T) {
	aID := testAttemptID()
	dist := fixedDistance{byVertex: map[ids.VertexId]int{}}

	sink := make(chan event.Event, 1)
	bus := event.NewBus(zap.NewNop(), nil)
	s := New(zap.NewNop(), bus, dist)
	bus.Register(event.KindScheduler, s.Handler())
	bus.Register(event.KindTaskAttempt, func(e event.Event) error { sink <- e; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(func() { cancel(); bus.Stop() })

	bus.Handle(event.New(
		event.Subject{Kind: event.KindScheduler, ID: "scheduler"},
		EvScheduleAttempt,
		ScheduleAttemptPayload{Attempt: aID, Vertex: aID.Task.Vertex},
	))

	select {
	case e := <-sink:
		payload, ok := e.Payload.(attempt.SchedulePayload)
		require.True(t, ok)
		assert.Equal(t, 2, payload.Priority)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for TA_SCHEDULE")
	}
}
