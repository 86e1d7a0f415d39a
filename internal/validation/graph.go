package validation

import "github.com/rendis/gantry/pkg/schema"

// validateGraph delegates the structural graph checks (trigger uniqueness,
// reachability, condition branch coverage) and folds the outcome into a
// ValidationResult so callers see graph violations alongside the rest.
func validateGraph(def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := schema.ValidateGraph(def)
	if err == nil {
		return result
	}

	ge, ok := err.(*schema.GantryError)
	if !ok {
		result.AddError("/edges", schema.ErrCodeGraph, err.Error())
		return result
	}
	path := "/edges"
	if ge.NodeID != "" {
		path = "/nodes/" + ge.NodeID
	}
	result.AddError(path, ge.Code, ge.Message)
	return result
}
