package engine

import (
	"fmt"

	"github.com/MikeRubio/botflow/internal/models"
)

// FlowCycleError reports a node id repeating within a single
// non-interactive auto-advance chain, which means the authored flow has a
// conditional loop with no escape path.
type FlowCycleError struct {
	NodeID string
}

func (e *FlowCycleError) Error() string {
	return fmt.Sprintf("flow cycle detected at node %q", e.NodeID)
}

// FlowDefinitionError reports an authoring mistake detected at navigation
// time, such as an edge pointing at a node missing from the flow. These
// indicate a bug in the authored flow, not a transient fault.
type FlowDefinitionError struct {
	NodeID string
	Reason string
}

func (e *FlowDefinitionError) Error() string {
	return fmt.Sprintf("flow definition error at node %q: %s", e.NodeID, e.Reason)
}

// NextNode selects the next node id by following outgoing edges from
// fromID. When resolvedAction is set (by a just-evaluated conditional
// node) the first edge carrying that condition tag wins; otherwise the
// first edge with no condition is the fallback. Returns ok=false when no
// edge matches, which marks the terminal state.
func NextNode(flow *models.FlowGraph, fromID, resolvedAction string) (string, bool) {
	if resolvedAction != "" {
		for _, edge := range flow.Edges {
			if edge.Source == fromID && edge.Condition == resolvedAction {
				return edge.Target, true
			}
		}
	}
	for _, edge := range flow.Edges {
		if edge.Source == fromID && edge.Condition == "" {
			return edge.Target, true
		}
	}
	return "", false
}
