package validation

import "github.com/rendis/gantry/pkg/schema"

// ActionLookup reports whether an action name is registered. It decouples
// validation from the action registry; nil skips action existence checks.
type ActionLookup interface {
	Has(name string) bool
}

// DefinitionValidator runs the three-stage definition-save pipeline:
// 1. Structural (JSON Schema per node kind)
// 2. Semantic (action refs, approver lists, durations, variables)
// 3. Graph (cycles, reachability, branch labels)
//
// A definition that produces any error is rejected whole; saves are never
// partially applied.
type DefinitionValidator struct {
	nodeConfig *NodeConfigValidator
	actions    ActionLookup
}

// NewDefinitionValidator creates a DefinitionValidator.
// lookup may be nil to skip action existence checks.
func NewDefinitionValidator(lookup ActionLookup) (*DefinitionValidator, error) {
	ncv, err := NewNodeConfigValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{
		nodeConfig: ncv,
		actions:    lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (dv *DefinitionValidator) Validate(def *schema.Definition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "definition is nil")
		return r
	}

	result := dv.nodeConfig.ValidateNodes(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, dv.actions))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition returns a GantryError describing all violations, or nil.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.Definition) error {
	return dv.Validate(def).ToError()
}
