package schema

import "fmt"

// ValidateGraph checks the structural invariants of a definition's graph:
//   - node ids unique within the definition
//   - at most one trigger node
//   - no edge with a missing endpoint
//   - every non-trigger node reachable from the trigger
//   - condition nodes have at least two outgoing edges with distinct labels
//
// An empty graph (workflow created before its first save) is valid.
func ValidateGraph(def *Definition) error {
	if def == nil {
		return NewError(ErrCodeGraph, "definition is nil")
	}
	if len(def.Nodes) == 0 {
		if len(def.Edges) > 0 {
			return NewError(ErrCodeGraph, "definition has edges but no nodes")
		}
		return nil
	}

	nodes := make(map[string]*Node, len(def.Nodes))
	var trigger *Node
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, exists := nodes[n.ID]; exists {
			return NewErrorf(ErrCodeGraph, "duplicate node id: %s", n.ID).WithNode(n.ID)
		}
		nodes[n.ID] = n
		if n.Kind == NodeKindTrigger {
			if trigger != nil {
				return NewErrorf(ErrCodeGraph, "more than one trigger node: %s and %s", trigger.ID, n.ID)
			}
			trigger = n
		}
	}

	adjacency := make(map[string][]string, len(def.Nodes))
	for i, e := range def.Edges {
		if _, ok := nodes[e.Source]; !ok {
			return NewErrorf(ErrCodeGraph, "edge %d references missing source node: %s", i, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return NewErrorf(ErrCodeGraph, "edge %d references missing target node: %s", i, e.Target)
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	if trigger == nil {
		return NewError(ErrCodeGraph, "graph has nodes but no trigger node")
	}

	// Reachability sweep from the trigger.
	reachable := map[string]bool{trigger.ID: true}
	queue := []string{trigger.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for id, n := range nodes {
		if n.Kind != NodeKindTrigger && !reachable[id] {
			return NewErrorf(ErrCodeGraph, "node %s is not reachable from the trigger", id).WithNode(id)
		}
	}

	// Condition fan-out: at least two distinctly labeled outgoing edges.
	for id, n := range nodes {
		if n.Kind != NodeKindCondition {
			continue
		}
		labels := make(map[string]bool)
		for _, e := range def.Edges {
			if e.Source == id {
				if labels[e.Label] {
					return NewErrorf(ErrCodeGraph, "condition node %s has duplicate branch label %q", id, e.Label).WithNode(id)
				}
				labels[e.Label] = true
			}
		}
		if len(labels) < 2 {
			return NewErrorf(ErrCodeGraph,
				"condition node %s needs at least two labeled outgoing edges, has %d", id, len(labels)).WithNode(id)
		}
	}

	return nil
}

// BranchTarget returns the target of the edge leaving nodeID whose label
// matches branch. A missing branch edge is a GRAPH_ERROR.
func BranchTarget(def *Definition, nodeID, branch string) (string, error) {
	for _, e := range def.Edges {
		if e.Source == nodeID && e.Label == branch {
			return e.Target, nil
		}
	}
	return "", NewErrorf(ErrCodeGraph, "no edge labeled %q out of condition node %s", branch, nodeID).
		WithNode(nodeID).
		WithDetails(map[string]any{"branch": branch, "node_id": nodeID})
}

// NextTarget returns the follow-on node after a non-condition node completes:
// the single outgoing edge's target, or the first edge in declaration order
// when several exist. Returns "" when the walk is finished.
func NextTarget(def *Definition, nodeID string) string {
	for _, e := range def.Edges {
		if e.Source == nodeID {
			return e.Target
		}
	}
	return ""
}

// GraphSummary renders a compact description of the graph for logging.
func GraphSummary(def *Definition) string {
	return fmt.Sprintf("%d nodes, %d edges, trigger=%s", len(def.Nodes), len(def.Edges), def.Trigger)
}
