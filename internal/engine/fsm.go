package engine

import (
	"github.com/rendis/gantry/pkg/schema"
)

// ValidExecutionTransitions defines the allowed status transitions for
// executions. failed -> running exists solely for an explicit manual resume;
// running -> pending is a delay suspension, not a regression.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusAwaitingApproval,
		schema.ExecutionStatusPending,
		schema.ExecutionStatusSuccess,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusAwaitingApproval: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusFailed: {
		schema.ExecutionStatusRunning,
	},
	schema.ExecutionStatusSuccess:   {},
	schema.ExecutionStatusCancelled: {},
}

// ValidNodeTransitions defines the allowed status transitions for node
// executions. Every terminal status is final; finalization happens once.
var ValidNodeTransitions = map[schema.NodeExecutionStatus][]schema.NodeExecutionStatus{
	schema.NodeStatusPending: {
		schema.NodeStatusRunning,
		schema.NodeStatusSuccess,
		schema.NodeStatusFailed,
		schema.NodeStatusCancelled,
	},
	schema.NodeStatusRunning: {
		schema.NodeStatusSuccess,
		schema.NodeStatusFailed,
		schema.NodeStatusCancelled,
	},
	schema.NodeStatusSuccess:   {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusCancelled: {},
}

// CheckExecutionTransition validates an execution status transition against
// the table, returning INVALID_TRANSITION when disallowed.
func CheckExecutionTransition(from, to schema.ExecutionStatus) error {
	if isValidExecutionTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// CheckNodeTransition validates a node execution status transition.
func CheckNodeTransition(from, to schema.NodeExecutionStatus) error {
	if isValidNodeTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidNodeTransition(from, to schema.NodeExecutionStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
