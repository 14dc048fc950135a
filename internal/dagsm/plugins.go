package dagsm

import (
	"bytes"
	"encoding/gob"

	"github.com/flowdag/tez-am/internal/dag"
	"github.com/flowdag/tez-am/internal/edge"
	amerrors "github.com/flowdag/tez-am/internal/errors"
	"github.com/flowdag/tez-am/internal/vertex"
)

// FractionalStartConfig is the user payload a DAG submitter attaches
// to a FractionalStart VertexManagerDescriptor, gob-encoded like every
// other opaque plugin payload in this codebase (see internal/wire).
type FractionalStartConfig struct {
	SourceVertex   string
	SourceNumTasks int
	MinFraction    float64
}

func decodeFractionalStartConfig(payload []byte) (FractionalStartConfig, error) {
	var cfg FractionalStartConfig
	if len(payload) == 0 {
		return cfg, amerrors.ErrInvariantViolation.GenWithStackByArgs("FractionalStart requires a config payload")
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cfg); err != nil {
		return cfg, amerrors.ErrInvariantViolation.GenWithStackByArgs("malformed FractionalStart payload: " + err.Error())
	}
	return cfg, nil
}

// ResolveEdgeManager instantiates the built-in edge-manager plugin
// named by desc.ClassName (spec.md §4.6). The AM ships only the two
// built-ins; a custom class name is rejected rather than silently
// defaulted.
func ResolveEdgeManager(desc dag.EdgeManagerDescriptor) (edge.Manager, error) {
	switch desc.ClassName {
	case "OneToOne":
		return edge.OneToOne{}, nil
	case "ScatterGather":
		return edge.ScatterGather{}, nil
	case "ScatterGatherBroadcast":
		return edge.ScatterGather{Broadcast: true}, nil
	default:
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("unknown edge manager class " + desc.ClassName)
	}
}

// ResolveVertexManager instantiates the built-in vertex-manager plugin
// named by desc.ClassName (spec.md §4.5). FractionalStart's payload is
// a small encoded struct carrying the source vertex name, its task
// count, and the minimum completion fraction.
func ResolveVertexManager(desc dag.VertexManagerDescriptor) (vertex.Manager, error) {
	switch desc.ClassName {
	case "ImmediateStart":
		return vertex.NewImmediateStart(), nil
	case "FractionalStart":
		cfg, err := decodeFractionalStartConfig(desc.Payload)
		if err != nil {
			return nil, err
		}
		return vertex.NewFractionalStart(cfg.SourceVertex, cfg.SourceNumTasks, cfg.MinFraction), nil
	default:
		return nil, amerrors.ErrInvariantViolation.GenWithStackByArgs("unknown vertex manager class " + desc.ClassName)
	}
}
