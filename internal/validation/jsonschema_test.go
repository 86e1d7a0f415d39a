package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func singleNodeDef(kind schema.NodeKind, data map[string]any) *schema.Definition {
	return &schema.Definition{
		Name:    "t",
		Trigger: schema.TriggerManual,
		Nodes:   []schema.Node{{ID: "n1", Kind: kind, Data: data}},
	}
}

func TestNodeConfigSchemas(t *testing.T) {
	v, err := NewNodeConfigValidator()
	require.NoError(t, err)

	tests := []struct {
		name  string
		kind  schema.NodeKind
		data  map[string]any
		valid bool
	}{
		{"trigger empty data", schema.NodeKindTrigger, nil, true},
		{"action complete", schema.NodeKindAction, map[string]any{
			"action": "http.request", "params": map[string]any{"url": "https://x"},
			"result_path": ".status", "timeout_seconds": 30,
		}, true},
		{"action missing name", schema.NodeKindAction, map[string]any{
			"params": map[string]any{},
		}, false},
		{"action zero timeout", schema.NodeKindAction, map[string]any{
			"action": "http.request", "timeout_seconds": 0,
		}, false},
		{"action unknown key", schema.NodeKindAction, map[string]any{
			"action": "http.request", "retries": 3,
		}, false},
		{"condition complete", schema.NodeKindCondition, map[string]any{
			"condition": "count", "operator": "greater_than", "value": 5,
		}, true},
		{"condition bad operator", schema.NodeKindCondition, map[string]any{
			"condition": "count", "operator": "somewhat_near", "value": 5,
		}, false},
		{"approval complete", schema.NodeKindApproval, map[string]any{
			"approvers": []any{"u1"}, "require_all": true, "timeout_seconds": 0,
		}, true},
		{"approval empty approvers", schema.NodeKindApproval, map[string]any{
			"approvers": []any{},
		}, false},
		{"notification complete", schema.NodeKindNotification, map[string]any{
			"provider": "pagerduty", "message": "on fire", "blocking": true,
		}, true},
		{"notification unknown provider", schema.NodeKindNotification, map[string]any{
			"provider": "carrier_pigeon", "message": "coo",
		}, false},
		{"notification empty message", schema.NodeKindNotification, map[string]any{
			"provider": "slack", "message": "",
		}, false},
		{"delay positive", schema.NodeKindDelay, map[string]any{"duration": 1.5}, true},
		{"delay zero", schema.NodeKindDelay, map[string]any{"duration": 0}, false},
		{"delay missing", schema.NodeKindDelay, map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.ValidateNodes(singleNodeDef(tt.kind, tt.data))
			if tt.valid {
				assert.True(t, result.Valid(), "unexpected errors: %v", result.Errors)
			} else {
				assert.False(t, result.Valid())
			}
		})
	}
}

func TestValidateNodesUnknownKind(t *testing.T) {
	v, err := NewNodeConfigValidator()
	require.NoError(t, err)

	result := v.ValidateNodes(singleNodeDef(schema.NodeKind("teleport"), nil))
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "teleport")
}

func TestValidateNodesReportsEveryNode(t *testing.T) {
	v, err := NewNodeConfigValidator()
	require.NoError(t, err)

	def := &schema.Definition{
		Name:    "t",
		Trigger: schema.TriggerManual,
		Nodes: []schema.Node{
			{ID: "a", Kind: schema.NodeKindAction, Data: map[string]any{}},
			{ID: "b", Kind: schema.NodeKindDelay, Data: map[string]any{}},
		},
	}
	result := v.ValidateNodes(def)
	require.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors), 2)
}
