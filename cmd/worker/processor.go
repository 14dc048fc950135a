package main

import "github.com/flowdag/tez-am/internal/wire"

// Processor is the worker-side task-execution plugin contract. The
// real processor/input/output/sorter stack is out of scope for this
// module (spec.md §1(b)); only the interface and a trivial
// pass-through implementation are provided.
type Processor interface {
	// Run executes one task attempt and returns the outbound events it
	// wants routed on the next heartbeat.
	Run(task *wire.Task) ([]wire.TezEvent, error)
}

// passthroughProcessor immediately reports success with no outbound
// events, standing in for a real Processor plugin.
type passthroughProcessor struct{}

func (passthroughProcessor) Run(task *wire.Task) ([]wire.TezEvent, error) {
	return nil, nil
}
