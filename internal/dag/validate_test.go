package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdag/tez-am/internal/ids"
)

func testDagID() ids.DagId {
	return ids.DagId{App: ids.ApplicationId{ClusterTimestamp: 1, ID: 1}, ID: 1}
}

func vspec(name string) VertexSpec {
	return VertexSpec{Name: name, Parallelism: 1, FailureTolerance: -1}
}

func TestValidate_LinearChainDistances(t *testing.T) {
	spec := Spec{
		Name:     "linear",
		Vertices: []VertexSpec{vspec("a"), vspec("b"), vspec("c")},
		Edges: []EdgeSpec{
			{Producer: "a", Consumer: "b"},
			{Producer: "b", Consumer: "c"},
		},
	}
	d, err := Validate(testDagID(), spec)
	require.NoError(t, err)

	assert.Equal(t, 0, d.DistanceFromRoot[d.ByName["a"]])
	assert.Equal(t, 1, d.DistanceFromRoot[d.ByName["b"]])
	assert.Equal(t, 2, d.DistanceFromRoot[d.ByName["c"]])
}

func TestValidate_DiamondTakesLongestPath(t *testing.T) {
	// a -> b -> d
	// a -> c -> e -> d
	// d is reached by both paths; the longer one makes its distance 3, not 2.
	spec := Spec{
		Name:     "diamond",
		Vertices: []VertexSpec{vspec("a"), vspec("b"), vspec("c"), vspec("d"), vspec("e")},
		Edges: []EdgeSpec{
			{Producer: "a", Consumer: "b"},
			{Producer: "a", Consumer: "c"},
			{Producer: "b", Consumer: "d"},
			{Producer: "c", Consumer: "e"},
			{Producer: "e", Consumer: "d"},
		},
	}
	d, err := Validate(testDagID(), spec)
	require.NoError(t, err)

	assert.Equal(t, 0, d.DistanceFromRoot[d.ByName["a"]])
	assert.Equal(t, 2, d.DistanceFromRoot[d.ByName["e"]])
	assert.Equal(t, 3, d.DistanceFromRoot[d.ByName["d"]])
}

func TestValidate_RejectsCycle(t *testing.T) {
	spec := Spec{
		Name:     "cyclic",
		Vertices: []VertexSpec{vspec("a"), vspec("b")},
		Edges: []EdgeSpec{
			{Producer: "a", Consumer: "b"},
			{Producer: "b", Consumer: "a"},
		},
	}
	_, err := Validate(testDagID(), spec)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownVertex(t *testing.T) {
	spec := Spec{
		Name:     "dangling",
		Vertices: []VertexSpec{vspec("a")},
		Edges:    []EdgeSpec{{Producer: "a", Consumer: "ghost"}},
	}
	_, err := Validate(testDagID(), spec)
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateVertexName(t *testing.T) {
	spec := Spec{
		Name:     "dup",
		Vertices: []VertexSpec{vspec("a"), vspec("a")},
	}
	_, err := Validate(testDagID(), spec)
	require.Error(t, err)
}

func TestValidate_IsolatedVertexGetsDistanceZero(t *testing.T) {
	spec := Spec{
		Name:     "isolated",
		Vertices: []VertexSpec{vspec("lonely")},
	}
	d, err := Validate(testDagID(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, d.DistanceFromRoot[d.ByName["lonely"]])
}
