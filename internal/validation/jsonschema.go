package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/gantry/pkg/schema"
)

// Per-kind JSON Schemas for node data config, embedded as constants to avoid
// filesystem dependencies. Draft 2020-12.
var nodeConfigSchemas = map[schema.NodeKind]string{
	schema.NodeKindTrigger: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "cron": { "type": "string", "minLength": 1 },
    "event": { "type": "string" }
  },
  "additionalProperties": true
}`,
	schema.NodeKindAction: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "result_path": { "type": "string" },
    "timeout_seconds": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,
	schema.NodeKindCondition: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["condition", "operator"],
  "properties": {
    "condition": { "type": "string", "minLength": 1 },
    "operator": {
      "type": "string",
      "enum": ["equals", "not_equals", "greater_than", "less_than", "contains", "not_contains"]
    },
    "value": {}
  },
  "additionalProperties": false
}`,
	schema.NodeKindApproval: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["approvers"],
  "properties": {
    "approvers": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "require_all": { "type": "boolean" },
    "allow_veto": { "type": "boolean" },
    "timeout_seconds": { "type": "integer", "minimum": 0 },
    "message": { "type": "string" }
  },
  "additionalProperties": false
}`,
	schema.NodeKindNotification: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["provider", "message"],
  "properties": {
    "provider": {
      "type": "string",
      "enum": ["slack", "email", "webhook", "pagerduty"]
    },
    "message": { "type": "string", "minLength": 1 },
    "recipients": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "blocking": { "type": "boolean" }
  },
  "additionalProperties": false
}`,
	schema.NodeKindDelay: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["duration"],
  "properties": {
    "duration": { "type": "number", "exclusiveMinimum": 0 }
  },
  "additionalProperties": false
}`,
}

// NodeConfigValidator validates node data maps against the kind-specific
// schemas above. Schemas are compiled once at construction; the validator is
// safe for concurrent use.
type NodeConfigValidator struct {
	compiled map[schema.NodeKind]*jsonschema.Schema
}

// NewNodeConfigValidator pre-compiles every node kind's config schema.
func NewNodeConfigValidator() (*NodeConfigValidator, error) {
	compiled := make(map[schema.NodeKind]*jsonschema.Schema, len(nodeConfigSchemas))
	for kind, raw := range nodeConfigSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unmarshal %s config schema", kind).WithCause(err)
		}
		url := fmt.Sprintf("gantry://node-config/%s.json", kind)
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(url, doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"add %s config schema resource", kind).WithCause(err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"compile %s config schema", kind).WithCause(err)
		}
		compiled[kind] = s
	}
	return &NodeConfigValidator{compiled: compiled}, nil
}

// ValidateNodes checks every node's data map against its kind's schema.
func (v *NodeConfigValidator) ValidateNodes(def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("/nodes/%s/data", node.ID)

		compiled, ok := v.compiled[node.Kind]
		if !ok {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("unknown node kind %q", node.Kind))
			continue
		}

		// node.Data is a typed map; boxing a nil map into `any` yields a
		// non-nil interface, so the nil guard in toJSONValue never fires.
		// Check the concrete map here so nil data validates as {}.
		var data any = node.Data
		if node.Data == nil {
			data = map[string]any{}
		}
		doc, err := toJSONValue(data)
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, "data is not JSON-serializable")
			continue
		}
		if err := compiled.Validate(doc); err != nil {
			for _, violation := range schemaViolations(err) {
				result.AddError(path, schema.ErrCodeValidation, violation)
			}
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// schemaViolations flattens a jsonschema error tree into leaf messages with
// their instance locations.
func schemaViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
