// Package ids defines the hierarchical identifier types used throughout
// the AM: ApplicationId -> DagId -> VertexId -> TaskId -> TaskAttemptId.
// Each is value-typed, totally ordered, and carries its parent as a
// prefix. ContainerId is independent; it is minted by the resource
// manager and only ever compared for equality.
package ids

import "fmt"

// ApplicationId identifies the application the AM was launched for.
type ApplicationId struct {
	ClusterTimestamp int64
	ID                int
}

func (a ApplicationId) String() string {
	return fmt.Sprintf("application_%d_%04d", a.ClusterTimestamp, a.ID)
}

// Less gives ApplicationId a total order (timestamp, then id).
func (a ApplicationId) Less(o ApplicationId) bool {
	if a.ClusterTimestamp != o.ClusterTimestamp {
		return a.ClusterTimestamp < o.ClusterTimestamp
	}
	return a.ID < o.ID
}

// DagId identifies one DAG submission within an application. An AM may
// run more than one DAG in sequence over its lifetime.
type DagId struct {
	App ApplicationId
	ID  int
}

func (d DagId) String() string {
	return fmt.Sprintf("dag_%d_%04d_%d", d.App.ClusterTimestamp, d.App.ID, d.ID)
}

func (d DagId) Less(o DagId) bool {
	if d.App != o.App {
		return d.App.Less(o.App)
	}
	return d.ID < o.ID
}

// VertexId identifies one vertex within a DAG.
type VertexId struct {
	Dag DagId
	ID  int
}

func (v VertexId) String() string {
	return fmt.Sprintf("%s_vertex_%06d", v.Dag, v.ID)
}

func (v VertexId) Less(o VertexId) bool {
	if v.Dag != o.Dag {
		return v.Dag.Less(o.Dag)
	}
	return v.ID < o.ID
}

// TaskId identifies one task, i.e. one (vertex, index) pair.
type TaskId struct {
	Vertex VertexId
	Index  int
}

func (t TaskId) String() string {
	return fmt.Sprintf("%s_task_%06d", t.Vertex, t.Index)
}

func (t TaskId) Less(o TaskId) bool {
	if t.Vertex != o.Vertex {
		return t.Vertex.Less(o.Vertex)
	}
	return t.Index < o.Index
}

// TaskAttemptId identifies one execution try of a task. Attempt numbers
// are 0-based; a rescheduled attempt of the same task gets a fresh,
// strictly greater number, never a reused one.
type TaskAttemptId struct {
	Task    TaskId
	Attempt int
}

func (a TaskAttemptId) String() string {
	return fmt.Sprintf("%s_%06d", a.Task, a.Attempt)
}

func (a TaskAttemptId) Less(o TaskAttemptId) bool {
	if a.Task != o.Task {
		return a.Task.Less(o.Task)
	}
	return a.Attempt < o.Attempt
}

// ContainerId is independent of the DAG hierarchy: it is minted by the
// resource manager and is only ever looked up by equality, never
// ordered against task ids.
type ContainerId struct {
	App ApplicationId
	ID  int64
}

func (c ContainerId) String() string {
	return fmt.Sprintf("container_%d_%04d_%02d_%06d", c.App.ClusterTimestamp, c.App.ID, 1, c.ID)
}
