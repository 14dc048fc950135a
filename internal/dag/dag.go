// Package dag holds the AM's submission-time DAG model (spec.md §3): an
// immutable set of vertices and directed edges, validated as acyclic at
// submission. Distance-from-root is computed once here and is invariant
// thereafter.
package dag

import (
	"github.com/flowdag/tez-am/internal/ids"
)

// Resource is a coarse resource request/lease size. The cluster
// resource manager is an external collaborator (spec.md §1); the AM
// only ever carries this value opaquely between a vertex's request and
// the RM communicator's ask list.
type Resource struct {
	Memory int64
	VCores int32
}

// ProcessorDescriptor names the worker-side processor plugin and its
// opaque configuration payload. The processor itself is out of scope
// (spec.md §1(b)); the AM only ships this descriptor to the worker.
type ProcessorDescriptor struct {
	ClassName string
	Payload   []byte
}

// IODescriptor names an input or output plugin attached to a vertex,
// analogous to ProcessorDescriptor.
type IODescriptor struct {
	Name      string
	ClassName string
	Payload   []byte
}

// VertexManagerDescriptor names the vertex-manager plugin (§4.5) a
// vertex is constructed with, plus its opaque user payload.
type VertexManagerDescriptor struct {
	ClassName string
	Payload   []byte
}

// EdgeManagerDescriptor names the edge-manager plugin (§4.6) an edge is
// constructed with.
type EdgeManagerDescriptor struct {
	ClassName string
	Payload   []byte
}

// VertexSpec is the immutable, submission-time description of one
// vertex. Parallelism may be -1 to mean "deferred": the vertex manager
// plugin is expected to set it before the vertex can schedule tasks.
type VertexSpec struct {
	Name            string
	Processor       ProcessorDescriptor
	Parallelism     int
	Resource        Resource
	Inputs          []IODescriptor
	Outputs         []IODescriptor
	VertexManager   VertexManagerDescriptor
	OutputCommitter bool
	// FailureTolerance overrides the AM-wide default
	// (config.VertexFailureTolerance) for this vertex; -1 means "use
	// the default".
	FailureTolerance float64
}

// EdgeSpec is the immutable, submission-time description of one edge:
// a producer vertex, a consumer vertex, and the edge-manager plugin
// that routes data-movement events between their physical task
// outputs/inputs.
type EdgeSpec struct {
	Producer string
	Consumer string
	Manager  EdgeManagerDescriptor
}

// Spec is the user-supplied DAG as submitted: a name plus the sets of
// vertices and edges. Spec is validated (Validate) into a DAG before
// the AM will run it.
type Spec struct {
	Name     string
	Vertices []VertexSpec
	Edges    []EdgeSpec
}

// DAG is the validated, immutable-after-submission form of a Spec: the
// same vertices and edges, plus each vertex's computed
// distance-from-root and a name->VertexId index.
type DAG struct {
	ID       ids.DagId
	Spec     Spec
	ByName   map[string]ids.VertexId
	Vertices map[ids.VertexId]*VertexSpec
	// DistanceFromRoot[v] is the longest source-free path length
	// ending at v, computed at validation time (spec.md §3).
	DistanceFromRoot map[ids.VertexId]int
	// OutEdges[v] / InEdges[v] index Edges by producer/consumer vertex.
	OutEdges map[ids.VertexId][]Edge
	InEdges  map[ids.VertexId][]Edge
}

// Edge is an EdgeSpec resolved to VertexIds.
type Edge struct {
	Producer ids.VertexId
	Consumer ids.VertexId
	Manager  EdgeManagerDescriptor
}

// NumTasks returns the vertex's current parallelism, or 0 if it has not
// been finalised yet.
func (d *DAG) NumTasks(v ids.VertexId) int {
	spec, ok := d.Vertices[v]
	if !ok || spec.Parallelism < 0 {
		return 0
	}
	return spec.Parallelism
}

// SourceVertices returns the vertices with no incoming edges.
func (d *DAG) SourceVertices() []ids.VertexId {
	var roots []ids.VertexId
	for v := range d.Vertices {
		if len(d.InEdges[v]) == 0 {
			roots = append(roots, v)
		}
	}
	return roots
}

// LeafVertices returns the vertices with no outgoing edges — typically
// the output-committing vertices.
func (d *DAG) LeafVertices() []ids.VertexId {
	var leaves []ids.VertexId
	for v := range d.Vertices {
		if len(d.OutEdges[v]) == 0 {
			leaves = append(leaves, v)
		}
	}
	return leaves
}
