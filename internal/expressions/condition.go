package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/gantry/pkg/schema"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

// ValidOperators is the set of recognized condition operators.
var ValidOperators = map[string]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpContains:    true,
	OpNotContains: true,
}

// ConditionEvaluator resolves a condition node's operand expression against
// the execution context and applies the node's operator to it. The operand
// is an expr-lang expression over context variables; no arbitrary code, no
// host access. Compiled programs are cached; safe for concurrent use.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator creates a ConditionEvaluator with an empty cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Branch evaluates condition against execContext, compares the result to
// want using operator, and returns the branch label "true" or "false".
func (e *ConditionEvaluator) Branch(ctx context.Context, condition, operator string, want any, execContext map[string]any) (string, error) {
	operand, err := e.Evaluate(ctx, condition, execContext)
	if err != nil {
		return "", err
	}
	match, err := Compare(operand, operator, want)
	if err != nil {
		return "", err
	}
	if match {
		return "true", nil
	}
	return "false", nil
}

// Evaluate compiles (or retrieves from cache) the expression and runs it
// against the execution context as its environment.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, expression string, execContext map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression, execContext)
	if err != nil {
		return nil, err
	}

	env := execContext
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ConditionEvaluator) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	if env == nil {
		env = map[string]any{}
	}
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid condition expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// Compare applies a condition operator to an operand and an expected value.
func Compare(operand any, operator string, want any) (bool, error) {
	switch operator {
	case OpEquals:
		return looseEqual(operand, want), nil
	case OpNotEquals:
		return !looseEqual(operand, want), nil
	case OpGreaterThan, OpLessThan:
		return compareOrdered(operand, operator, want)
	case OpContains:
		return contains(operand, want)
	case OpNotContains:
		ok, err := contains(operand, want)
		return !ok, err
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", operator)
	}
}

// looseEqual compares with numeric widening so 5 == 5.0 regardless of which
// decoder produced each side.
func looseEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(operand any, operator string, want any) (bool, error) {
	if an, aok := asNumber(operand); aok {
		bn, bok := asNumber(want)
		if !bok {
			return false, schema.NewErrorf(schema.ErrCodeExecutor,
				"%s requires a numeric comparison value, got %T", operator, want)
		}
		if operator == OpGreaterThan {
			return an > bn, nil
		}
		return an < bn, nil
	}
	if as, aok := operand.(string); aok {
		bs, bok := want.(string)
		if !bok {
			return false, schema.NewErrorf(schema.ErrCodeExecutor,
				"%s requires a string comparison value, got %T", operator, want)
		}
		if operator == OpGreaterThan {
			return as > bs, nil
		}
		return as < bs, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExecutor,
		"%s not applicable to operand of type %T", operator, operand)
}

func contains(operand, want any) (bool, error) {
	switch v := operand.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", want)), nil
	case []any:
		for _, item := range v {
			if looseEqual(item, want) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := want.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExecutor,
				"contains on an object requires a string key, got %T", want)
		}
		_, found := v[key]
		return found, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeExecutor,
			"contains not applicable to operand of type %T", operand)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
