package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gantry/internal/actions"
	"github.com/rendis/gantry/internal/notify"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// ResultKind discriminates the outcome of one node invocation.
type ResultKind int

const (
	// ResultCompleted means the node produced output and the walk advances.
	ResultCompleted ResultKind = iota
	// ResultBranch means the walk follows the edge labeled Branch.
	ResultBranch
	// ResultSuspended means the execution parks with status Suspend and the
	// node execution stays open.
	ResultSuspended
	// ResultFailed means the node failed and the execution fails with Err.
	ResultFailed
)

// NodeResult is the outcome of invoking one node's executor.
type NodeResult struct {
	Kind    ResultKind
	Output  map[string]any
	Branch  string
	Suspend schema.ExecutionStatus
	Err     *schema.GantryError
}

func completed(output map[string]any) NodeResult {
	return NodeResult{Kind: ResultCompleted, Output: output}
}

func branched(label string, output map[string]any) NodeResult {
	return NodeResult{Kind: ResultBranch, Branch: label, Output: output}
}

func suspended(status schema.ExecutionStatus) NodeResult {
	return NodeResult{Kind: ResultSuspended, Suspend: status}
}

func failed(err error, nodeID string) NodeResult {
	var gerr *schema.GantryError
	if !errors.As(err, &gerr) {
		gerr = schema.NewError(schema.ErrCodeExecutor, err.Error()).WithCause(err)
	}
	if gerr.NodeID == "" {
		gerr = gerr.WithNode(nodeID)
	}
	return NodeResult{Kind: ResultFailed, Err: gerr}
}

// executeNode dispatches on node kind. Infrastructure failures (store writes
// while parking a suspension) come back as the error; everything the node
// itself did wrong is encoded in the result.
func (e *Engine) executeNode(ctx context.Context, ex *store.Execution, node *schema.Node) (NodeResult, error) {
	switch node.Kind {
	case schema.NodeKindTrigger:
		return e.executeTrigger(ex, node), nil
	case schema.NodeKindAction:
		return e.executeAction(ctx, ex, node), nil
	case schema.NodeKindCondition:
		return e.executeCondition(ctx, ex, node), nil
	case schema.NodeKindApproval:
		return e.executeApproval(ctx, ex, node)
	case schema.NodeKindNotification:
		return e.executeNotification(ctx, ex, node), nil
	case schema.NodeKindDelay:
		return e.executeDelay(ctx, ex, node)
	default:
		return failed(schema.NewErrorf(schema.ErrCodeGraph, "unknown node kind %q", node.Kind), node.ID), nil
	}
}

// executeTrigger records the trigger firing. The trigger payload is already
// seeded into the context at execution creation.
func (e *Engine) executeTrigger(ex *store.Execution, node *schema.Node) NodeResult {
	return completed(map[string]any{
		"fired_at": e.now().UTC().Format(time.RFC3339),
		"input":    ex.Context["trigger"],
	})
}

func (e *Engine) executeAction(ctx context.Context, ex *store.Execution, node *schema.Node) NodeResult {
	name, _ := node.Data["action"].(string)

	params, _ := node.Data["params"].(map[string]any)
	resolved, err := e.interp.ResolveData(ctx, params, ex.Context)
	if err != nil {
		return failed(err, node.ID)
	}

	spec := actionSpec(name, resolved, ex.Context, node.Data)
	out, err := e.invoker.Invoke(ctx, spec)
	if err != nil {
		return failed(err, node.ID)
	}
	output, err := outputMap(out)
	if err != nil {
		return failed(err, node.ID)
	}
	return completed(output)
}

func (e *Engine) executeCondition(ctx context.Context, ex *store.Execution, node *schema.Node) NodeResult {
	condition, _ := node.Data["condition"].(string)
	operator, _ := node.Data["operator"].(string)

	want := node.Data["value"]
	if s, ok := want.(string); ok {
		resolved, err := e.interp.ResolveString(ctx, s, ex.Context)
		if err != nil {
			return failed(err, node.ID)
		}
		want = resolved
	}

	branch, err := e.conditions.Branch(ctx, condition, operator, want, ex.Context)
	if err != nil {
		return failed(err, node.ID)
	}
	return branched(branch, map[string]any{"branch": branch})
}

// executeApproval opens (or re-finds) the approval request and parks the
// execution. Re-entry after a crash reuses the active request rather than
// asking the approvers twice.
func (e *Engine) executeApproval(ctx context.Context, ex *store.Execution, node *schema.Node) (NodeResult, error) {
	active, err := e.store.GetActiveApproval(ctx, ex.ID)
	if err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
		return NodeResult{}, err
	}
	if active != nil {
		return suspended(schema.ExecutionStatusAwaitingApproval), nil
	}

	message, _ := node.Data["message"].(string)
	if message != "" {
		resolved, rerr := e.interp.ResolveString(ctx, message, ex.Context)
		if rerr != nil {
			return failed(rerr, node.ID), nil
		}
		message = stringify(resolved)
	}

	ar := &store.ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: ex.ID,
		NodeID:      node.ID,
		Approvers:   stringSlice(node.Data["approvers"]),
		RequireAll:  boolValue(node.Data["require_all"]),
		AllowVeto:   boolValue(node.Data["allow_veto"]),
		Status:      schema.ApprovalStatusPending,
		CreatedAt:   e.now().UTC(),
	}
	if secs := intValue(node.Data["timeout_seconds"]); secs > 0 {
		ar.TimeoutSeconds = secs
		expires := ar.CreatedAt.Add(time.Duration(secs) * time.Second)
		ar.ExpiresAt = &expires
	}
	if err := e.store.CreateApproval(ctx, ar); err != nil {
		return NodeResult{}, err
	}

	if message == "" {
		message = fmt.Sprintf("approval required for execution %s", ex.ID)
	}
	e.notifyBestEffort(ctx, notify.Notification{
		Provider:   notify.ProviderSlack,
		Recipients: ar.Approvers,
		Message:    message,
		Metadata: map[string]any{
			"approval_id":  ar.ID,
			"execution_id": ex.ID,
			"node_id":      node.ID,
		},
	})

	return suspended(schema.ExecutionStatusAwaitingApproval), nil
}

func (e *Engine) executeNotification(ctx context.Context, ex *store.Execution, node *schema.Node) NodeResult {
	provider, _ := node.Data["provider"].(string)
	blocking := boolValue(node.Data["blocking"])

	message, _ := node.Data["message"].(string)
	resolved, err := e.interp.ResolveString(ctx, message, ex.Context)
	if err != nil {
		return failed(err, node.ID)
	}

	n := notify.Notification{
		Provider:   provider,
		Recipients: stringSlice(node.Data["recipients"]),
		Message:    stringify(resolved),
		Metadata: map[string]any{
			"execution_id": ex.ID,
			"node_id":      node.ID,
		},
	}

	nerr := e.notifier.Notify(ctx, n)
	if nerr != nil && blocking {
		return failed(nerr, node.ID)
	}
	return completed(map[string]any{
		"provider":  provider,
		"delivered": nerr == nil,
	})
}

// executeDelay schedules a durable wake and parks the execution as pending.
// Re-entry before the wake fires reuses the open wake; re-entry after it
// fired (or past its due time) completes the node.
func (e *Engine) executeDelay(ctx context.Context, ex *store.Execution, node *schema.Node) (NodeResult, error) {
	secs := intValue(node.Data["duration"])
	if secs <= 0 {
		return failed(schema.NewErrorf(schema.ErrCodeValidation,
			"delay duration must be positive, got %v", node.Data["duration"]), node.ID), nil
	}

	existing, err := e.store.GetWake(ctx, ex.ID, node.ID)
	if err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
		return NodeResult{}, err
	}
	if existing != nil {
		if existing.Fired {
			return completed(map[string]any{"waited_seconds": secs}), nil
		}
		if !existing.WakeAt.After(e.now().UTC()) {
			// CONFLICT or NOT_FOUND means the sweeper fired it between our
			// read and this write; either way the wait is over.
			if ferr := e.store.MarkWakeFired(ctx, existing.ID); ferr != nil {
				switch schema.CodeOf(ferr) {
				case schema.ErrCodeConflict, schema.ErrCodeNotFound:
				default:
					return NodeResult{}, ferr
				}
			}
			return completed(map[string]any{"waited_seconds": secs}), nil
		}
		return suspended(schema.ExecutionStatusPending), nil
	}

	wake := &store.ScheduledWake{
		ID:          uuid.NewString(),
		ExecutionID: ex.ID,
		NodeID:      node.ID,
		WakeAt:      e.now().UTC().Add(time.Duration(secs) * time.Second),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateWake(ctx, wake); err != nil {
		return NodeResult{}, err
	}
	return suspended(schema.ExecutionStatusPending), nil
}

func actionSpec(name string, params, execContext map[string]any, data map[string]any) actions.InvokeSpec {
	spec := actions.InvokeSpec{
		Action:  name,
		Params:  params,
		Context: execContext,
	}
	if rp, ok := data["result_path"].(string); ok {
		spec.ResultPath = rp
	}
	if secs := intValue(data["timeout_seconds"]); secs > 0 {
		spec.Timeout = time.Duration(secs) * time.Second
	}
	return spec
}

// outputMap coerces an action's return value into the context value domain.
// Values outside it (structs, channels) are a node failure, not a silent
// passthrough into persisted context.
func outputMap(out any) (map[string]any, error) {
	norm, err := schema.NormalizeValue(out)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		return map[string]any{}, nil
	}
	if m, ok := norm.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": norm}, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
