package edge

import "testing"

import "github.com/stretchr/testify/assert"

func TestOneToOne_RoutesIdenticalIndex(t *testing.T) {
	var m Manager = OneToOne{}
	ev := DataMovementEvent{SourceIndex: 3, TargetIndex: 3}
	dests := m.RouteDataMovementEventToDestination(ev, 3, 5)
	assert.Equal(t, []Destination{{TaskIndex: 3, PhysicalInput: 0}}, dests)
}

func TestOneToOne_ZeroTasksIsPermitted(t *testing.T) {
	var m Manager = OneToOne{}
	assert.Empty(t, m.RouteDataMovementEventToDestination(DataMovementEvent{}, 0, 0))
	assert.Empty(t, m.RouteInputSourceTaskFailedEventToDestination(0, 0))
}

func TestOneToOne_IsDeterministic(t *testing.T) {
	var m Manager = OneToOne{}
	ev := DataMovementEvent{SourceIndex: 2, TargetIndex: 2, Payload: []byte("x")}
	a := m.RouteDataMovementEventToDestination(ev, 2, 4)
	b := m.RouteDataMovementEventToDestination(ev, 2, 4)
	assert.Equal(t, a, b)
}

func TestScatterGather_RoutesPartitionToTargetTask(t *testing.T) {
	var m Manager = ScatterGather{}
	ev := DataMovementEvent{SourceIndex: 1, TargetIndex: 2}
	dests := m.RouteDataMovementEventToDestination(ev, 1, 4)
	assert.Equal(t, []Destination{{TaskIndex: 2, PhysicalInput: 1}}, dests)
}

func TestScatterGather_BroadcastSendsToAllDestinations(t *testing.T) {
	m := ScatterGather{Broadcast: true}
	dests := m.RouteDataMovementEventToDestination(DataMovementEvent{}, 1, 3)
	assert.ElementsMatch(t, []Destination{
		{TaskIndex: 0, PhysicalInput: 1},
		{TaskIndex: 1, PhysicalInput: 1},
		{TaskIndex: 2, PhysicalInput: 1},
	}, dests)
}

func TestScatterGather_InputErrorRoutesBackToSource(t *testing.T) {
	m := ScatterGather{}
	assert.Equal(t, 2, m.RouteInputErrorEventToSource(0, 2))
}

func TestScatterGather_SourceTaskFailedFansOutToEveryDestination(t *testing.T) {
	m := ScatterGather{}
	dests := m.RouteInputSourceTaskFailedEventToDestination(1, 3)
	assert.Len(t, dests, 3)
	for i, d := range dests {
		assert.Equal(t, i, d.TaskIndex)
		assert.Equal(t, 1, d.PhysicalInput)
	}
}
