package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

type staticLookup map[string]bool

func (l staticLookup) Has(name string) bool { return l[name] }

func validPipeline() *schema.Definition {
	return &schema.Definition{
		Name:    "db migration",
		Trigger: schema.TriggerManual,
		Variables: []schema.Variable{
			{Name: "env", Type: schema.VariableString, Default: "staging"},
			{Name: "db_password", Type: schema.VariableSecret, IsSecret: true},
		},
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger},
			{ID: "discover", Kind: schema.NodeKindAction, Data: map[string]any{
				"action": "migrations.discover",
				"params": map[string]any{"env": "{{env}}"},
			}},
			{ID: "check", Kind: schema.NodeKindCondition, Data: map[string]any{
				"condition": "migrationsFound",
				"operator":  "equals",
				"value":     true,
			}},
			{ID: "gate", Kind: schema.NodeKindApproval, Data: map[string]any{
				"approvers":       []any{"u1", "u2"},
				"require_all":     true,
				"timeout_seconds": float64(3600),
			}},
			{ID: "apply", Kind: schema.NodeKindAction, Data: map[string]any{
				"action": "migrations.execute",
			}},
			{ID: "tell", Kind: schema.NodeKindNotification, Data: map[string]any{
				"provider": "slack",
				"message":  "no migrations",
			}},
		},
		Edges: []schema.Edge{
			{Source: "start", Target: "discover"},
			{Source: "discover", Target: "check"},
			{Source: "check", Target: "gate", Label: "true"},
			{Source: "check", Target: "tell", Label: "false"},
			{Source: "gate", Target: "apply"},
		},
	}
}

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	dv, err := NewDefinitionValidator(staticLookup{
		"migrations.discover": true,
		"migrations.execute":  true,
	})
	require.NoError(t, err)
	return dv
}

func TestValidateAcceptsCompletePipeline(t *testing.T) {
	dv := newValidator(t)
	result := dv.Validate(validPipeline())
	assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateNilDefinition(t *testing.T) {
	dv := newValidator(t)
	result := dv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestStructuralErrorsShortCircuit(t *testing.T) {
	dv := newValidator(t)
	def := validPipeline()
	// Break structure AND the graph: only the structural error must surface.
	def.Nodes[1].Data = map[string]any{} // action missing required "action"
	def.Edges = def.Edges[:1]

	result := dv.Validate(def)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
	}
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	dv := newValidator(t)
	def := validPipeline()
	def.Nodes[1].Data["action"] = "migrations.teleport"

	result := dv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "migrations.teleport")
}

func TestValidateSurfacesGraphErrors(t *testing.T) {
	dv := newValidator(t)
	def := validPipeline()
	def.Edges = append(def.Edges[:3], def.Edges[4]) // drop the false branch

	result := dv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeGraph, result.Errors[0].Code)
}

func TestValidateDefinitionError(t *testing.T) {
	dv := newValidator(t)
	assert.NoError(t, dv.ValidateDefinition(validPipeline()))

	def := validPipeline()
	def.Nodes[3].Data["approvers"] = []any{}
	err := dv.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
