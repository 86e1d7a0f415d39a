package validation

import (
	"fmt"

	"github.com/rendis/gantry/pkg/schema"
)

// Delay nodes above this are almost always a misconfigured unit (seconds vs
// milliseconds); warn rather than reject.
const delayWarnSeconds = 30 * 24 * 3600

// validateSemantic performs semantic analysis on the definition: action
// names registered, trigger config coherent with the workflow trigger kind,
// variable declarations well-formed, delay durations sane.
func validateSemantic(def *schema.Definition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateVariables(def, result)

	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("/nodes/%s", node.ID)

		switch node.Kind {
		case schema.NodeKindAction:
			name, _ := node.Data["action"].(string)
			if name != "" && lookup != nil && !lookup.Has(name) {
				result.AddError(path+"/data/action", schema.ErrCodeValidation,
					fmt.Sprintf("action %q not registered", name))
			}
		case schema.NodeKindApproval:
			validateApprovers(node, path, result)
		case schema.NodeKindDelay:
			if d, ok := node.Data["duration"].(float64); ok && d > delayWarnSeconds {
				result.AddWarning(path+"/data/duration", schema.ErrCodeValidation,
					fmt.Sprintf("delay of %.0f seconds exceeds 30 days; check the unit", d))
			}
		case schema.NodeKindTrigger:
			validateTriggerConfig(def, node, path, result)
		}
	}

	return result
}

func validateVariables(def *schema.Definition, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Variables))
	for i, v := range def.Variables {
		path := fmt.Sprintf("/variables[%d]", i)
		if v.Name == "" {
			result.AddError(path+"/name", schema.ErrCodeValidation, "variable name is empty")
			continue
		}
		if seen[v.Name] {
			result.AddError(path+"/name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate variable %q", v.Name))
		}
		seen[v.Name] = true

		if !schema.ValidVariableTypes[v.Type] {
			result.AddError(path+"/type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown variable type %q", v.Type))
			continue
		}
		if v.Default != nil && !defaultMatchesType(v.Type, v.Default) {
			result.AddError(path+"/default", schema.ErrCodeValidation,
				fmt.Sprintf("default for %q does not match type %s", v.Name, v.Type))
		}
		if v.Type == schema.VariableSecret && v.Default != nil {
			result.AddError(path+"/default", schema.ErrCodeValidation,
				fmt.Sprintf("secret variable %q must not carry an inline default", v.Name))
		}
	}
}

func defaultMatchesType(t schema.VariableType, v any) bool {
	switch t {
	case schema.VariableString, schema.VariableSecret:
		_, ok := v.(string)
		return ok
	case schema.VariableNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case schema.VariableBoolean:
		_, ok := v.(bool)
		return ok
	case schema.VariableObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func validateApprovers(node *schema.Node, path string, result *schema.ValidationResult) {
	raw, _ := node.Data["approvers"].([]any)
	seen := make(map[string]bool, len(raw))
	for j, a := range raw {
		id, _ := a.(string)
		if seen[id] {
			result.AddError(fmt.Sprintf("%s/data/approvers[%d]", path, j),
				schema.ErrCodeValidation, fmt.Sprintf("duplicate approver %q", id))
		}
		seen[id] = true
	}
}

func validateTriggerConfig(def *schema.Definition, node *schema.Node, path string, result *schema.ValidationResult) {
	switch def.Trigger {
	case schema.TriggerScheduled:
		if cron, _ := node.Data["cron"].(string); cron == "" {
			result.AddError(path+"/data/cron", schema.ErrCodeValidation,
				"scheduled trigger requires a cron expression")
		}
	case schema.TriggerEvent:
		if event, _ := node.Data["event"].(string); event == "" {
			result.AddError(path+"/data/event", schema.ErrCodeValidation,
				"event trigger requires an event name")
		}
	}
}
