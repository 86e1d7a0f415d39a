package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gantry/internal/actions"
	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/expressions"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/notify"
	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// Config wires the engine's collaborators.
type Config struct {
	Store    store.Store
	Registry *actions.Registry
	Notifier notify.Notifier
	Vault    secrets.Vault
	Audit    *audit.Recorder
	Logger   *slog.Logger
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Engine drives workflow executions: it walks the definition graph from the
// execution cursor, invoking one node executor at a time and persisting
// progress after every node so a run survives process restarts and can park
// indefinitely on approvals and delays. Claims are compare-and-swap status
// transitions; a lost claim never corrupts state, it surfaces as
// CONCURRENCY_ERROR or STATE_ERROR for the caller to retry after re-reading.
type Engine struct {
	store      store.Store
	invoker    *actions.Invoker
	conditions *expressions.ConditionEvaluator
	interp     *expressions.Interpolator
	notifier   notify.Notifier
	vault      secrets.Vault
	audit      *audit.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an engine from the given collaborators.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		store:      cfg.Store,
		invoker:    actions.NewInvoker(cfg.Registry),
		conditions: expressions.NewConditionEvaluator(),
		interp:     expressions.NewInterpolator(cfg.Vault),
		notifier:   cfg.Notifier,
		vault:      cfg.Vault,
		audit:      cfg.Audit,
		logger:     logger,
		now:        nowFn,
	}
}

// CreateExecution opens a pending execution against the workflow's published
// definition, pinning the definition version and seeding the context with the
// trigger payload and variable defaults. It does not start the walk; call
// Advance (directly or through a worker pool) to run it.
func (e *Engine) CreateExecution(ctx context.Context, workflowID string, input map[string]any) (*store.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublished || wf.DefinitionID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"workflow %s has no published definition", workflowID)
	}

	def, err := e.loadDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return nil, err
	}
	trigger := def.TriggerNode()
	if trigger == nil {
		return nil, schema.NewError(schema.ErrCodeGraph, "definition has no trigger node")
	}

	if input == nil {
		input = map[string]any{}
	}
	execCtx := map[string]any{
		"trigger":   input,
		"variables": variableDefaults(def),
	}

	ex := &store.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		DefinitionID:  wf.DefinitionID,
		Status:        schema.ExecutionStatusPending,
		Context:       execCtx,
		CurrentNodeID: trigger.ID,
		TriggeredAt:   e.now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}

	e.recordAudit(ctx, ex, "execution.created", map[string]any{
		"trigger": string(def.Trigger),
	})
	return ex, nil
}

// Advance claims a pending execution and walks it until it finishes, fails,
// or parks. Exactly one caller wins a concurrent claim; the others get
// CONCURRENCY_ERROR (or STATE_ERROR once the execution is terminal).
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	return e.claimAndRun(ctx, executionID, schema.ExecutionStatusPending, store.ExecutionUpdate{})
}

// Resume manually retries a failed execution, re-entering the walk at the
// cursor and re-invoking that node's executor from scratch. Executor
// idempotency for side-effecting actions is the action's responsibility.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	return e.claimAndRun(ctx, executionID, schema.ExecutionStatusFailed, store.ExecutionUpdate{
		Error: json.RawMessage("null"),
	})
}

// ResumeApproval clears an approval suspension with the gate's verdict. An
// approved gate completes the approval node and continues the walk; a
// rejection (or expiry) fails the node and the execution.
func (e *Engine) ResumeApproval(ctx context.Context, executionID string, approved bool, reason string) error {
	ex, err := e.claim(ctx, executionID, schema.ExecutionStatusAwaitingApproval, store.ExecutionUpdate{})
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, ex.WorkflowID, ex.ID, ex.CurrentNodeID)

	def, err := e.loadDefinition(ctx, ex.DefinitionID)
	if err != nil {
		return e.failExecution(ctx, ex, schema.NewError(schema.ErrCodeState, "definition unavailable").WithCause(err))
	}
	node := def.NodeByID(ex.CurrentNodeID)
	if node == nil || node.Kind != schema.NodeKindApproval {
		return e.failExecution(ctx, ex, schema.NewErrorf(schema.ErrCodeState,
			"cursor %q is not an approval node", ex.CurrentNodeID))
	}

	masker, err := e.buildMasker(ctx, def)
	if err != nil {
		return e.failExecution(ctx, ex, err)
	}

	open, err := e.store.GetOpenNodeExecution(ctx, ex.ID, node.ID)
	if err != nil && schema.CodeOf(err) != schema.ErrCodeNotFound {
		return err
	}

	if !approved {
		gerr := schema.NewError(schema.ErrCodeApproval, reason).WithNode(node.ID)
		if open != nil {
			e.finalizeNode(ctx, open.ID, schema.NodeStatusFailed, nil, gerr)
		}
		return e.failExecution(ctx, ex, gerr)
	}

	output := map[string]any{"approved": true}
	if reason != "" {
		output["comment"] = reason
	}
	if open != nil {
		e.finalizeNode(ctx, open.ID, schema.NodeStatusSuccess, masker.MaskSnapshot(output), nil)
	}
	ex.Context[node.ID] = output

	next := schema.NextTarget(def, node.ID)
	if next == "" {
		return e.finishExecution(ctx, ex, masker)
	}
	if err := e.persistProgress(ctx, ex, next); err != nil {
		return err
	}
	return e.run(ctx, ex, def, masker)
}

// Cancel terminates a non-terminal execution. It records a structured
// cancellation error and best-effort closes whatever the execution was parked
// on; it does not interrupt an in-flight external action call.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeState,
			"execution %s is already %s", executionID, ex.Status)
	}

	gerr := schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	completedAt := e.now().UTC()
	err = e.store.TransitionExecution(ctx, executionID, ex.Status, schema.ExecutionStatusCancelled, store.ExecutionUpdate{
		Error:       errJSON(gerr),
		CompletedAt: &completedAt,
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			return schema.NewErrorf(schema.ErrCodeConcurrency,
				"execution %s changed status during cancel", executionID).WithCause(err)
		}
		return err
	}

	ctx = logging.WithIDs(ctx, ex.WorkflowID, ex.ID, ex.CurrentNodeID)
	e.closeSuspensions(ctx, ex, gerr)
	e.recordAudit(ctx, ex, "execution.cancelled", nil)
	return nil
}

// claimAndRun claims the execution from the given status and walks it.
func (e *Engine) claimAndRun(ctx context.Context, executionID string, from schema.ExecutionStatus, update store.ExecutionUpdate) error {
	ex, err := e.claim(ctx, executionID, from, update)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, ex.WorkflowID, ex.ID, "")

	def, err := e.loadDefinition(ctx, ex.DefinitionID)
	if err != nil {
		return e.failExecution(ctx, ex, schema.NewError(schema.ErrCodeState, "definition unavailable").WithCause(err))
	}
	masker, err := e.buildMasker(ctx, def)
	if err != nil {
		return e.failExecution(ctx, ex, err)
	}
	return e.run(ctx, ex, def, masker)
}

// claim performs the CAS status transition that gives this caller exclusive
// ownership of the walk. A lost race maps to CONCURRENCY_ERROR, or to
// STATE_ERROR when the execution is not in a claimable status at all.
func (e *Engine) claim(ctx context.Context, executionID string, from schema.ExecutionStatus, update store.ExecutionUpdate) (*store.Execution, error) {
	if err := CheckExecutionTransition(from, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	err := e.store.TransitionExecution(ctx, executionID, from, schema.ExecutionStatusRunning, update)
	if err == nil {
		ex, gerr := e.store.GetExecution(ctx, executionID)
		if gerr != nil {
			return nil, gerr
		}
		return ex, nil
	}
	if schema.CodeOf(err) != schema.ErrCodeConflict {
		return nil, err
	}

	ex, rerr := e.store.GetExecution(ctx, executionID)
	if rerr != nil {
		return nil, rerr
	}
	if ex.Status == from {
		// Status matches but the CAS lost: another claimer got there between
		// our write and this read, then parked back. Retryable.
		return nil, schema.NewErrorf(schema.ErrCodeConcurrency,
			"execution %s claimed concurrently", executionID).WithCause(err)
	}
	if ex.Status == schema.ExecutionStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeConcurrency,
			"execution %s is already running", executionID).WithCause(err)
	}
	return nil, schema.NewErrorf(schema.ErrCodeState,
		"execution %s is %s, not %s", executionID, ex.Status, from).WithCause(err)
}

// run walks the graph from the cursor until a terminal status or suspension.
// Progress is persisted after every node; the loop never holds state that is
// not recoverable from the store.
func (e *Engine) run(ctx context.Context, ex *store.Execution, def *schema.Definition, masker *secrets.Masker) error {
	for {
		node := def.NodeByID(ex.CurrentNodeID)
		if node == nil {
			return e.failExecution(ctx, ex, schema.NewErrorf(schema.ErrCodeGraph,
				"cursor points at unknown node %q", ex.CurrentNodeID))
		}
		ctx := logging.WithIDs(ctx, ex.WorkflowID, ex.ID, node.ID)

		open, err := e.openNode(ctx, ex, node, masker)
		if err != nil {
			return e.failExecution(ctx, ex, err)
		}

		res, err := e.executeNode(ctx, ex, node)
		if err != nil {
			// Infrastructure failure while parking; the node stays open and a
			// later Advance re-enters it.
			return e.failExecution(ctx, ex, err)
		}

		switch res.Kind {
		case ResultCompleted, ResultBranch:
			var next string
			if res.Kind == ResultBranch {
				next, err = schema.BranchTarget(def, node.ID, res.Branch)
				if err != nil {
					e.finalizeNode(ctx, open.ID, schema.NodeStatusFailed, nil, err)
					return e.failExecution(ctx, ex, err)
				}
			} else {
				next = schema.NextTarget(def, node.ID)
			}

			ex.Context[node.ID] = res.Output
			e.finalizeNode(ctx, open.ID, schema.NodeStatusSuccess, masker.MaskSnapshot(res.Output), nil)

			if next == "" {
				return e.finishExecution(ctx, ex, masker)
			}
			if err := e.persistProgress(ctx, ex, next); err != nil {
				return err
			}

		case ResultSuspended:
			err := e.store.TransitionExecution(ctx, ex.ID, schema.ExecutionStatusRunning, res.Suspend, store.ExecutionUpdate{
				Context:       ex.Context,
				CurrentNodeID: &node.ID,
			})
			if err != nil {
				if schema.CodeOf(err) == schema.ErrCodeConflict {
					logging.LogWith(ctx, e.logger).Warn("suspension lost to a concurrent transition, discarding")
					return nil
				}
				return err
			}
			e.recordAudit(ctx, ex, "execution.suspended", map[string]any{
				"node_id": node.ID,
				"status":  string(res.Suspend),
			})
			logging.LogWith(ctx, e.logger).Info("execution suspended",
				slog.String("status", string(res.Suspend)))
			return nil

		case ResultFailed:
			e.finalizeNode(ctx, open.ID, schema.NodeStatusFailed, nil, res.Err)
			return e.failExecution(ctx, ex, res.Err)
		}
	}
}

// openNode returns the open node execution at the cursor, creating one with
// the masked context snapshot as input when the node is entered fresh.
func (e *Engine) openNode(ctx context.Context, ex *store.Execution, node *schema.Node, masker *secrets.Masker) (*store.NodeExecution, error) {
	open, err := e.store.GetOpenNodeExecution(ctx, ex.ID, node.ID)
	if err == nil {
		return open, nil
	}
	if schema.CodeOf(err) != schema.ErrCodeNotFound {
		return nil, err
	}

	input, merr := json.Marshal(masker.MaskSnapshot(ex.Context))
	if merr != nil {
		return nil, schema.NewError(schema.ErrCodeState, "context snapshot not serializable").WithCause(merr)
	}
	ne := &store.NodeExecution{
		ID:          uuid.NewString(),
		ExecutionID: ex.ID,
		NodeID:      node.ID,
		Status:      schema.NodeStatusRunning,
		Input:       input,
		StartedAt:   e.now().UTC(),
	}
	if cerr := e.store.CreateNodeExecution(ctx, ne); cerr != nil {
		return nil, cerr
	}
	return ne, nil
}

// persistProgress writes the context and the advanced cursor. A CAS loss here
// means a concurrent cancel won; the walk stops and its write-back is
// discarded.
func (e *Engine) persistProgress(ctx context.Context, ex *store.Execution, next string) error {
	err := e.store.TransitionExecution(ctx, ex.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusRunning, store.ExecutionUpdate{
		Context:       ex.Context,
		CurrentNodeID: &next,
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			logging.LogWith(ctx, e.logger).Warn("progress write lost to a concurrent transition, discarding")
			return nil
		}
		return err
	}
	ex.CurrentNodeID = next
	return nil
}

// finishExecution closes a fully walked execution as success. The final
// output is the masked context snapshot.
func (e *Engine) finishExecution(ctx context.Context, ex *store.Execution, masker *secrets.Masker) error {
	output, err := json.Marshal(masker.MaskSnapshot(ex.Context))
	if err != nil {
		return e.failExecution(ctx, ex, schema.NewError(schema.ErrCodeState, "final output not serializable").WithCause(err))
	}
	completedAt := e.now().UTC()
	err = e.store.TransitionExecution(ctx, ex.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusSuccess, store.ExecutionUpdate{
		Context:     ex.Context,
		Output:      output,
		CompletedAt: &completedAt,
	})
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			logging.LogWith(ctx, e.logger).Warn("completion lost to a concurrent transition, discarding")
			return nil
		}
		return err
	}
	e.recordAudit(ctx, ex, "execution.completed", nil)
	logging.LogWith(ctx, e.logger).Info("execution completed")
	return nil
}

// failExecution records the error on the execution and transitions it to
// failed. Returns the original error so callers see what went wrong.
func (e *Engine) failExecution(ctx context.Context, ex *store.Execution, cause error) error {
	var gerr *schema.GantryError
	if !errors.As(cause, &gerr) {
		gerr = schema.NewError(schema.ErrCodeExecutor, cause.Error()).WithCause(cause)
	}

	completedAt := e.now().UTC()
	err := e.store.TransitionExecution(ctx, ex.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, store.ExecutionUpdate{
		Context:     ex.Context,
		Error:       errJSON(gerr),
		CompletedAt: &completedAt,
	})
	if err != nil && schema.CodeOf(err) != schema.ErrCodeConflict {
		logging.LogWith(ctx, e.logger).Error("could not record execution failure",
			slog.String("error", err.Error()))
	}

	e.recordAudit(ctx, ex, "execution.failed", map[string]any{
		"code":    gerr.Code,
		"node_id": gerr.NodeID,
	})
	logging.LogWith(ctx, e.logger).Warn("execution failed",
		slog.String("code", gerr.Code),
		slog.String("error", gerr.Message))
	return gerr
}

// closeSuspensions best-effort finalizes whatever a cancelled execution was
// parked on: the open node execution, the active approval, the open wake.
// Failures are logged and swallowed.
func (e *Engine) closeSuspensions(ctx context.Context, ex *store.Execution, gerr *schema.GantryError) {
	log := logging.LogWith(ctx, e.logger)

	if ex.CurrentNodeID != "" {
		open, err := e.store.GetOpenNodeExecution(ctx, ex.ID, ex.CurrentNodeID)
		if err == nil {
			e.finalizeNode(ctx, open.ID, schema.NodeStatusCancelled, nil, gerr)
		} else if schema.CodeOf(err) != schema.ErrCodeNotFound {
			log.Warn("could not load open node execution during cancel", slog.String("error", err.Error()))
		}

		wake, err := e.store.GetWake(ctx, ex.ID, ex.CurrentNodeID)
		if err == nil && !wake.Fired {
			if ferr := e.store.MarkWakeFired(ctx, wake.ID); ferr != nil {
				log.Warn("could not close wake during cancel", slog.String("error", ferr.Error()))
			}
		}
	}

	ar, err := e.store.GetActiveApproval(ctx, ex.ID)
	if err == nil {
		if uerr := e.store.UpdateApprovalCAS(ctx, ar.ID, schema.ApprovalStatusPending, ar.Version, ar.Decisions, schema.ApprovalStatusExpired); uerr != nil {
			log.Warn("could not expire approval during cancel", slog.String("error", uerr.Error()))
		}
	} else if schema.CodeOf(err) != schema.ErrCodeNotFound {
		log.Warn("could not load approval during cancel", slog.String("error", err.Error()))
	}
}

// finalizeNode closes a node execution. Open rows are always running, so the
// target status must be a legal exit from running. Finalization failures are
// logged and swallowed; the one-shot guard in the store keeps double closes
// harmless.
func (e *Engine) finalizeNode(ctx context.Context, nodeExecID string, status schema.NodeExecutionStatus, output map[string]any, nerr error) {
	if terr := CheckNodeTransition(schema.NodeStatusRunning, status); terr != nil {
		logging.LogWith(ctx, e.logger).Error("refusing node finalization",
			slog.String("node_execution_id", nodeExecID),
			slog.String("error", terr.Error()))
		return
	}
	update := store.NodeExecutionUpdate{
		Status:      status,
		CompletedAt: e.now().UTC(),
	}
	if output != nil {
		raw, err := json.Marshal(output)
		if err == nil {
			update.Output = raw
		}
	}
	if nerr != nil {
		var gerr *schema.GantryError
		if !errors.As(nerr, &gerr) {
			gerr = schema.NewError(schema.ErrCodeExecutor, nerr.Error())
		}
		update.Error = errJSON(gerr)
	}
	if err := e.store.FinalizeNodeExecution(ctx, nodeExecID, update); err != nil {
		logging.LogWith(ctx, e.logger).Warn("could not finalize node execution",
			slog.String("node_execution_id", nodeExecID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) loadDefinition(ctx context.Context, definitionID string) (*schema.Definition, error) {
	row, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return schema.ParseDefinition(row.Content)
}

// buildMasker collects the definition's secret variable names and their
// vault values so persisted snapshots never echo secrets.
func (e *Engine) buildMasker(ctx context.Context, def *schema.Definition) (*secrets.Masker, error) {
	var names []string
	var values []string
	for _, v := range def.Variables {
		if v.Type != schema.VariableSecret && !v.IsSecret {
			continue
		}
		names = append(names, v.Name)
		if e.vault != nil {
			if raw, err := e.vault.Resolve(ctx, v.Name); err == nil {
				values = append(values, string(raw))
			}
		}
	}
	return secrets.NewMasker(names, values), nil
}

func (e *Engine) notifyBestEffort(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		logging.LogWith(ctx, e.logger).Warn("notification delivery failed",
			slog.String("provider", n.Provider),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) recordAudit(ctx context.Context, ex *store.Execution, action string, details map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, audit.Entry{
		Action:       action,
		ResourceType: "execution",
		ResourceID:   ex.ID,
		Details:      details,
	})
}

func variableDefaults(def *schema.Definition) map[string]any {
	vars := make(map[string]any, len(def.Variables))
	for _, v := range def.Variables {
		if v.Type == schema.VariableSecret || v.IsSecret {
			continue
		}
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	return vars
}

func errJSON(gerr *schema.GantryError) json.RawMessage {
	raw, err := json.Marshal(gerr)
	if err != nil {
		return json.RawMessage(`{"code":"STATE_ERROR","message":"error not serializable"}`)
	}
	return raw
}
