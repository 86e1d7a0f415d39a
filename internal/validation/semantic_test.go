package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func TestVariableChecks(t *testing.T) {
	tests := []struct {
		name     string
		variable schema.Variable
		wantErr  string
	}{
		{"empty name", schema.Variable{Type: schema.VariableString}, "name is empty"},
		{"unknown type", schema.Variable{Name: "x", Type: "uuid"}, "unknown variable type"},
		{"string default mismatch", schema.Variable{Name: "x", Type: schema.VariableString, Default: float64(3)}, "does not match type"},
		{"number default mismatch", schema.Variable{Name: "x", Type: schema.VariableNumber, Default: "3"}, "does not match type"},
		{"boolean default mismatch", schema.Variable{Name: "x", Type: schema.VariableBoolean, Default: "yes"}, "does not match type"},
		{"object default mismatch", schema.Variable{Name: "x", Type: schema.VariableObject, Default: []any{}}, "does not match type"},
		{"secret with inline default", schema.Variable{Name: "x", Type: schema.VariableSecret, Default: "hunter2"}, "must not carry an inline default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &schema.Definition{Variables: []schema.Variable{tt.variable}}
			result := validateSemantic(def, nil)
			require.False(t, result.Valid())
			assert.Contains(t, result.Errors[0].Message, tt.wantErr)
		})
	}
}

func TestDuplicateVariableNames(t *testing.T) {
	def := &schema.Definition{Variables: []schema.Variable{
		{Name: "env", Type: schema.VariableString},
		{Name: "env", Type: schema.VariableNumber},
	}}
	result := validateSemantic(def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate variable")
}

func TestDuplicateApprovers(t *testing.T) {
	def := &schema.Definition{Nodes: []schema.Node{
		{ID: "gate", Kind: schema.NodeKindApproval, Data: map[string]any{
			"approvers": []any{"u1", "u1"},
		}},
	}}
	result := validateSemantic(def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate approver")
}

func TestLongDelayWarns(t *testing.T) {
	def := &schema.Definition{Nodes: []schema.Node{
		{ID: "wait", Kind: schema.NodeKindDelay, Data: map[string]any{
			"duration": float64(90 * 24 * 3600),
		}},
	}}
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "30 days")
}

func TestScheduledTriggerNeedsCron(t *testing.T) {
	def := &schema.Definition{
		Trigger: schema.TriggerScheduled,
		Nodes:   []schema.Node{{ID: "start", Kind: schema.NodeKindTrigger}},
	}
	result := validateSemantic(def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "cron")

	def.Nodes[0].Data = map[string]any{"cron": "0 3 * * *"}
	assert.True(t, validateSemantic(def, nil).Valid())
}

func TestEventTriggerNeedsEventName(t *testing.T) {
	def := &schema.Definition{
		Trigger: schema.TriggerEvent,
		Nodes:   []schema.Node{{ID: "start", Kind: schema.NodeKindTrigger}},
	}
	result := validateSemantic(def, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "event")
}

func TestNilLookupSkipsActionChecks(t *testing.T) {
	def := &schema.Definition{Nodes: []schema.Node{
		{ID: "a", Kind: schema.NodeKindAction, Data: map[string]any{"action": "whatever"}},
	}}
	assert.True(t, validateSemantic(def, nil).Valid())
}
