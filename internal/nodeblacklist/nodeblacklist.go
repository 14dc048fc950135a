// Package nodeblacklist tracks nodes marked unusable after a
// TA_NODE_FAILED notification (spec.md §4.3, §7 kind 4: "the node is
// marked unusable for the failing task's future attempts"). Entries are
// scoped per task, not cluster-wide: a node that failed one task's
// attempt is excluded only from that task's future attempts, mirroring
// Tez's own per-task blacklist rather than a global node ban. The set
// is bounded with an LRU cache rather than an unbounded map, the way
// the retrieval pack bounds similarly unbounded-in-principle sets (e.g.
// arvados's keep-web response cache), since a long-running AM should
// not grow this set without bound across a long DAG lifetime even
// though node failures are rare relative to it.
package nodeblacklist

import (
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/flowdag/tez-am/internal/ids"
)

// List is a bounded (task, node) -> blacklist-reason cache.
type List struct {
	cache *lru.Cache
}

// New constructs a List holding at most size entries, evicting the
// least recently used (task, node) pair once full: both Mark and a
// Reason lookup that finds the pair count as a use.
func New(size int) (*List, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &List{cache: c}, nil
}

const keySep = "\x00"

func key(taskID ids.TaskId, nodeID string) string {
	return taskID.String() + keySep + nodeID
}

// Mark records nodeID as unusable for taskID's future attempts, for the
// given reason, per spec.md §8 scenario 6's NODE_FAILED handling.
func (l *List) Mark(taskID ids.TaskId, nodeID, reason string) {
	l.cache.Add(key(taskID, nodeID), reason)
}

// Reason reports whether nodeID is currently blacklisted for taskID
// and, if so, why.
func (l *List) Reason(taskID ids.TaskId, nodeID string) (string, bool) {
	v, ok := l.cache.Get(key(taskID, nodeID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ExcludedNodes returns every node currently blacklisted for taskID, for
// use as exclusions on a fresh rm.Ask when a task reschedules an
// attempt (spec.md §4.3: "mark the node as unusable for subsequent
// attempts of this task").
func (l *List) ExcludedNodes(taskID ids.TaskId) []string {
	prefix := taskID.String() + keySep
	var nodes []string
	for _, k := range l.cache.Keys() {
		ks, ok := k.(string)
		if !ok || !strings.HasPrefix(ks, prefix) {
			continue
		}
		nodes = append(nodes, strings.TrimPrefix(ks, prefix))
	}
	return nodes
}
