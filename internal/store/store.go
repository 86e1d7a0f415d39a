package store

import (
	"context"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
//
// Status changes on executions and approvals go through conditional updates:
// the write succeeds only when the row still holds the expected prior value,
// which is how the engine enforces at most one active invocation per
// execution and how the approval coordinator serializes read-decide-write.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Definitions (immutable version history)
	CreateDefinition(ctx context.Context, def *DefinitionRow) error
	GetDefinition(ctx context.Context, id string) (*DefinitionRow, error)
	ListDefinitions(ctx context.Context, workflowID string) ([]*DefinitionRow, error)

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// TransitionExecution applies update only if the execution's status still
	// equals from; the status becomes to. A stale from yields CONFLICT.
	TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Node executions (one audit row per node visit, immutable once finalized)
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	// FinalizeNodeExecution is a one-shot: it fails with CONFLICT when the row
	// is already terminal.
	FinalizeNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error
	GetOpenNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error)
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// Approval requests
	CreateApproval(ctx context.Context, ar *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	GetActiveApproval(ctx context.Context, executionID string) (*ApprovalRequest, error)
	// UpdateApprovalCAS replaces decisions and status only while the request's
	// status still equals expect AND its version still equals expectVersion,
	// then bumps the version. A stale status or version yields CONFLICT, so
	// two interleaved read-decide-write cycles cannot overwrite each other's
	// decisions even when neither resolves the request.
	UpdateApprovalCAS(ctx context.Context, id string, expect schema.ApprovalStatus, expectVersion int, decisions []ApprovalDecision, status schema.ApprovalStatus) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)

	// Scheduled wakes (durable delay queue)
	CreateWake(ctx context.Context, w *ScheduledWake) error
	GetWake(ctx context.Context, executionID, nodeID string) (*ScheduledWake, error)
	DueWakes(ctx context.Context, now time.Time) ([]*ScheduledWake, error)
	// MarkWakeFired flips fired exactly once; a second call yields CONFLICT.
	MarkWakeFired(ctx context.Context, id string) error

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
