package container

import "github.com/flowdag/tez-am/internal/ids"

// resourceDelta computes the set difference of requested against what
// this container has already localised, records the union, and returns
// only the delta — spec.md §4.2's "additional-resource delta". The
// recorded set is cleared on COMPLETED (see onCompleted).
func (c *Container) resourceDelta(requested map[string]struct{}) map[string]struct{} {
	delta := make(map[string]struct{})
	for name := range requested {
		if _, have := c.LocalizedResources[name]; !have {
			delta[name] = struct{}{}
			c.LocalizedResources[name] = struct{}{}
		}
	}
	return delta
}

// credentialsDelta decides whether credentials must be shipped with
// this assignment: true the first time a container runs a task for a
// DAG, or whenever the DAG changes from the last one it ran
// (spec.md §4.2 "credentials delta").
func (c *Container) credentialsDelta(dag ids.DagId, creds Credentials) (changed bool, out Credentials) {
	changed = !c.hasLastDag || c.LastDagID != dag
	c.LastDagID = dag
	c.hasLastDag = true
	if !changed {
		return false, nil
	}
	return true, creds
}
