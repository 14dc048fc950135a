package dag

import (
	"github.com/gammazero/toposort"
	"github.com/pingcap/errors"

	"github.com/flowdag/tez-am/internal/ids"
)

// ErrCyclicDag is returned by Validate when the submitted graph is not
// acyclic, per spec.md §3 ("The DAG is validated as acyclic at
// submission").
var ErrCyclicDag = errors.Normalize(
	"dag %q contains a cycle",
	errors.RFCCodeText("AM:ErrCyclicDag"),
)

// ErrUnknownVertex is returned when an edge names a vertex not present
// in the submitted spec.
var ErrUnknownVertex = errors.Normalize(
	"edge references unknown vertex %q",
	errors.RFCCodeText("AM:ErrUnknownVertex"),
)

// ErrDuplicateVertex is returned when two vertices share a name.
var ErrDuplicateVertex = errors.Normalize(
	"duplicate vertex name %q",
	errors.RFCCodeText("AM:ErrDuplicateVertex"),
)

// Validate resolves a Spec into a DAG: it checks vertex name
// uniqueness, that every edge references known vertices, that the
// graph is acyclic (via toposort, grounded on the same library
// aristath-orchestrator uses for its own task DAG), and computes each
// vertex's distance-from-root.
func Validate(id ids.DagId, spec Spec) (*DAG, error) {
	d := &DAG{
		ID:               id,
		Spec:             spec,
		ByName:           make(map[string]ids.VertexId, len(spec.Vertices)),
		Vertices:         make(map[ids.VertexId]*VertexSpec, len(spec.Vertices)),
		DistanceFromRoot: make(map[ids.VertexId]int, len(spec.Vertices)),
		OutEdges:         make(map[ids.VertexId][]Edge),
		InEdges:          make(map[ids.VertexId][]Edge),
	}

	for i := range spec.Vertices {
		v := &spec.Vertices[i]
		if _, dup := d.ByName[v.Name]; dup {
			return nil, ErrDuplicateVertex.GenWithStackByArgs(v.Name)
		}
		vid := ids.VertexId{Dag: id, ID: i}
		d.ByName[v.Name] = vid
		d.Vertices[vid] = v
	}

	for _, e := range spec.Edges {
		from, ok := d.ByName[e.Producer]
		if !ok {
			return nil, ErrUnknownVertex.GenWithStackByArgs(e.Producer)
		}
		to, ok := d.ByName[e.Consumer]
		if !ok {
			return nil, ErrUnknownVertex.GenWithStackByArgs(e.Consumer)
		}
		resolved := Edge{Producer: from, Consumer: to, Manager: e.Manager}
		d.OutEdges[from] = append(d.OutEdges[from], resolved)
		d.InEdges[to] = append(d.InEdges[to], resolved)
	}

	// Every vertex gets an entry, whether or not it has incoming edges:
	// a nil-origin edge for roots, one edge per dependency otherwise.
	// This mirrors aristath-orchestrator's handling of zero-dependency
	// tasks, and guarantees a disconnected or isolated vertex still
	// participates in the sort.
	var edges []toposort.Edge
	for vid := range d.Vertices {
		if len(d.InEdges[vid]) == 0 {
			edges = append(edges, toposort.Edge{nil, vid})
			continue
		}
		for _, e := range d.InEdges[vid] {
			edges = append(edges, toposort.Edge{e.Producer, vid})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return nil, ErrCyclicDag.GenWithStackByArgs(spec.Name)
	}

	for _, root := range d.SourceVertices() {
		assignDistance(d, root, 0)
	}

	return d, nil
}

// assignDistance walks downstream from v, setting each descendant's
// distance-from-root to the longest source-free path length reaching
// it (spec.md §3). Because the graph is already known acyclic, a
// straightforward DFS relaxation terminates.
func assignDistance(d *DAG, v ids.VertexId, dist int) {
	if cur, ok := d.DistanceFromRoot[v]; !ok || dist > cur {
		d.DistanceFromRoot[v] = dist
	} else {
		return
	}
	for _, e := range d.OutEdges[v] {
		assignDistance(d, e.Consumer, d.DistanceFromRoot[v]+1)
	}
}
