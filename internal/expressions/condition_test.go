package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func TestBranch(t *testing.T) {
	e := NewConditionEvaluator()
	execContext := map[string]any{
		"migrationsFound": true,
		"count":           float64(12),
		"env":             "staging",
		"targets":         []any{"users", "orders"},
	}

	tests := []struct {
		name      string
		condition string
		operator  string
		value     any
		want      string
	}{
		{"bool equals match", "migrationsFound", OpEquals, true, "true"},
		{"bool equals mismatch", "migrationsFound", OpEquals, false, "false"},
		{"not equals", "env", OpNotEquals, "prod", "true"},
		{"greater than", "count", OpGreaterThan, float64(10), "true"},
		{"less than false", "count", OpLessThan, float64(10), "false"},
		{"numeric widening", "count", OpEquals, 12, "true"},
		{"string contains", "env", OpContains, "stag", "true"},
		{"slice contains", "targets", OpContains, "orders", "true"},
		{"slice not contains", "targets", OpNotContains, "payments", "true"},
		{"expression operand", "count > 10 && migrationsFound", OpEquals, true, "true"},
		{"len builtin", "len(targets)", OpEquals, float64(2), "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			branch, err := e.Branch(context.Background(), tt.condition, tt.operator, tt.value, execContext)
			require.NoError(t, err)
			assert.Equal(t, tt.want, branch)
		})
	}
}

func TestBranchErrors(t *testing.T) {
	e := NewConditionEvaluator()
	execContext := map[string]any{"count": float64(1)}

	_, err := e.Branch(context.Background(), "", OpEquals, 1, execContext)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Branch(context.Background(), "count", "roughly", 1, execContext)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Branch(context.Background(), "count +", OpEquals, 1, execContext)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Branch(context.Background(), "count", OpGreaterThan, "ten", execContext)
	assert.Equal(t, schema.ErrCodeExecutor, schema.CodeOf(err))
}

func TestEvaluateUndefinedVariableIsNil(t *testing.T) {
	e := NewConditionEvaluator()
	out, err := e.Evaluate(context.Background(), "missing", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCompareObjectKey(t *testing.T) {
	ok, err := Compare(map[string]any{"a": 1}, OpContains, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Compare(map[string]any{}, OpContains, 5)
	assert.Equal(t, schema.ErrCodeExecutor, schema.CodeOf(err))

	_, err = Compare(true, OpContains, "x")
	assert.Equal(t, schema.ErrCodeExecutor, schema.CodeOf(err))
}

func TestConditionCacheReuse(t *testing.T) {
	e := NewConditionEvaluator()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(ctx, "count * 2", map[string]any{"count": i})
		require.NoError(t, err)
		assert.EqualValues(t, i*2, out)
	}
}
