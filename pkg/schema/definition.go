package schema

import (
	"bytes"
	"encoding/json"
)

// TriggerKind enumerates how a workflow execution is started.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerEvent     TriggerKind = "event"
)

// ValidTriggerKinds is the set of recognized trigger kinds.
var ValidTriggerKinds = map[TriggerKind]bool{
	TriggerManual:    true,
	TriggerScheduled: true,
	TriggerWebhook:   true,
	TriggerEvent:     true,
}

// NodeKind enumerates the kinds of nodes in a workflow graph.
type NodeKind string

const (
	NodeKindTrigger      NodeKind = "trigger"
	NodeKindAction       NodeKind = "action"
	NodeKindCondition    NodeKind = "condition"
	NodeKindApproval     NodeKind = "approval"
	NodeKindNotification NodeKind = "notification"
	NodeKindDelay        NodeKind = "delay"
)

// ValidNodeKinds is the set of recognized node kinds.
var ValidNodeKinds = map[NodeKind]bool{
	NodeKindTrigger:      true,
	NodeKindAction:       true,
	NodeKindCondition:    true,
	NodeKindApproval:     true,
	NodeKindNotification: true,
	NodeKindDelay:        true,
}

// VariableType enumerates the types a workflow variable can carry.
type VariableType string

const (
	VariableString  VariableType = "string"
	VariableNumber  VariableType = "number"
	VariableBoolean VariableType = "boolean"
	VariableObject  VariableType = "object"
	VariableSecret  VariableType = "secret"
)

// ValidVariableTypes is the set of recognized variable types.
var ValidVariableTypes = map[VariableType]bool{
	VariableString:  true,
	VariableNumber:  true,
	VariableBoolean: true,
	VariableObject:  true,
	VariableSecret:  true,
}

// Node is a single vertex of a workflow graph.
// Data carries kind-specific configuration, validated at definition-save time.
type Node struct {
	ID    string         `json:"id"`
	Kind  NodeKind       `json:"kind"`
	Label string         `json:"label,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Edge connects two nodes. Label disambiguates the branch taken out of a
// condition node (e.g. "true"/"false", or a value match).
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Variable seeds the initial execution context. Secret-typed variables are
// resolved through the vault and never echoed into persisted snapshots.
type Variable struct {
	Name     string       `json:"name"`
	Type     VariableType `json:"type"`
	Default  any          `json:"default,omitempty"`
	IsSecret bool         `json:"is_secret,omitempty"`
}

// Definition is an immutable, versioned snapshot of a workflow's graph.
// A workflow's current definition is swapped, never mutated in place, so past
// executions remain reproducible against the definition they ran under.
type Definition struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Trigger     TriggerKind `json:"trigger"`
	Variables   []Variable  `json:"variables,omitempty"`
	Nodes       []Node      `json:"nodes"`
	Edges       []Edge      `json:"edges"`
	Version     int         `json:"version,omitempty"`
}

// ParseDefinition decodes and structurally validates a serialized definition.
// Malformed JSON or a shape violation (missing node/edge fields, unknown
// kinds) yields PARSE_ERROR; graph inconsistencies (duplicate node ids,
// dangling edge endpoints, more than one trigger, unreachable non-trigger
// nodes, under-branched conditions) yield GRAPH_ERROR.
func ParseDefinition(content []byte) (*Definition, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, NewError(ErrCodeParse, "definition content is empty")
	}

	var def Definition
	dec := json.NewDecoder(bytes.NewReader(content))
	if err := dec.Decode(&def); err != nil {
		return nil, NewErrorf(ErrCodeParse, "decode definition: %s", err.Error()).WithCause(err)
	}

	if err := def.validateShape(); err != nil {
		return nil, err
	}
	if err := ValidateGraph(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Serialize encodes the definition to its persisted textual representation.
// ParseDefinition(Serialize(d)) round-trips exactly for any structurally valid d.
func (d *Definition) Serialize() ([]byte, error) {
	out, err := json.Marshal(d)
	if err != nil {
		return nil, NewErrorf(ErrCodeParse, "serialize definition: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// ReconstructDefinition assembles a Definition from discrete parts, matching
// the persisted-state boundary where nodes and edges are held as separately
// serialized arrays. Equivalent to building the struct directly.
func ReconstructDefinition(name, description string, trigger TriggerKind, variables []Variable, nodesText, edgesText []byte) (*Definition, error) {
	var nodes []Node
	if len(bytes.TrimSpace(nodesText)) > 0 {
		if err := json.Unmarshal(nodesText, &nodes); err != nil {
			return nil, NewErrorf(ErrCodeParse, "decode nodes: %s", err.Error()).WithCause(err)
		}
	}
	var edges []Edge
	if len(bytes.TrimSpace(edgesText)) > 0 {
		if err := json.Unmarshal(edgesText, &edges); err != nil {
			return nil, NewErrorf(ErrCodeParse, "decode edges: %s", err.Error()).WithCause(err)
		}
	}

	def := &Definition{
		Name:        name,
		Description: description,
		Trigger:     trigger,
		Variables:   variables,
		Nodes:       nodes,
		Edges:       edges,
	}
	if err := def.validateShape(); err != nil {
		return nil, err
	}
	if err := ValidateGraph(def); err != nil {
		return nil, err
	}
	return def, nil
}

// validateShape checks field-level requirements before graph validation.
func (d *Definition) validateShape() error {
	if d.Trigger != "" && !ValidTriggerKinds[d.Trigger] {
		return NewErrorf(ErrCodeParse, "unknown trigger kind: %s", d.Trigger)
	}
	for i, n := range d.Nodes {
		if n.ID == "" {
			return NewErrorf(ErrCodeParse, "node at index %d has empty id", i)
		}
		if !ValidNodeKinds[n.Kind] {
			return NewErrorf(ErrCodeParse, "node %s has unknown kind: %s", n.ID, n.Kind).WithNode(n.ID)
		}
	}
	for i, e := range d.Edges {
		if e.Source == "" || e.Target == "" {
			return NewErrorf(ErrCodeParse, "edge at index %d is missing source or target", i)
		}
	}
	for _, v := range d.Variables {
		if v.Name == "" {
			return NewError(ErrCodeParse, "variable has empty name")
		}
	}
	return nil
}

// TriggerNode returns the definition's unique trigger node, or nil when the
// graph is empty.
func (d *Definition) TriggerNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Kind == NodeKindTrigger {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (d *Definition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving the given node, in declaration order.
// Declaration order is the deterministic tie-break when a non-condition node
// has several outgoing edges.
func (d *Definition) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
