package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// Workflow is the persisted identity of a team-owned workflow. The current
// definition pointer is swapped on each save; definitions themselves are
// immutable rows.
type Workflow struct {
	ID            string             `json:"id"`
	TeamID        string             `json:"team_id"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Trigger       schema.TriggerKind `json:"trigger"`
	TriggerConfig json.RawMessage    `json:"trigger_config,omitempty"` // e.g. {"cron":"0 3 * * *"} for scheduled
	IsPublished   bool               `json:"is_published"`
	DefinitionID  string             `json:"definition_id,omitempty"`
	Version       int                `json:"version"`
	Tags          []string           `json:"tags,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DefinitionRow is one immutable definition version. Content is the full
// serialized graph; nodes and edges are additionally held as separately
// serialized arrays for incremental UI edits.
type DefinitionRow struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Content    json.RawMessage `json:"content"`
	Nodes      json.RawMessage `json:"nodes"`
	Edges      json.RawMessage `json:"edges"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Execution is one run of a workflow against a pinned definition.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	DefinitionID  string                 `json:"definition_id"`
	Status        schema.ExecutionStatus `json:"status"`
	Context       map[string]any         `json:"context"`
	Output        json.RawMessage        `json:"output,omitempty"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
	Error         json.RawMessage        `json:"error,omitempty"`
	TriggeredAt   time.Time              `json:"triggered_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NodeExecution is the audit record of one node's processing within an
// execution. It remains open (pending) while the node is suspended and is
// finalized exactly once.
type NodeExecution struct {
	ID          string                     `json:"id"`
	ExecutionID string                     `json:"execution_id"`
	NodeID      string                     `json:"node_id"`
	Status      schema.NodeExecutionStatus `json:"status"`
	Input       json.RawMessage            `json:"input,omitempty"`
	Output      json.RawMessage            `json:"output,omitempty"`
	Error       json.RawMessage            `json:"error,omitempty"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// ApprovalRequest is the gate state for an execution suspended at an
// approval node. At most one active request per execution. Version counts
// successful writes; every read-decide-write must carry the version it read
// so interleaved decisions cannot overwrite each other.
type ApprovalRequest struct {
	ID             string                `json:"id"`
	ExecutionID    string                `json:"execution_id"`
	NodeID         string                `json:"node_id"`
	Approvers      []string              `json:"approvers"`
	RequireAll     bool                  `json:"require_all"`
	AllowVeto      bool                  `json:"allow_veto"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
	Status         schema.ApprovalStatus `json:"status"`
	Version        int                   `json:"version"`
	Decisions      []ApprovalDecision    `json:"decisions,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	ResolvedAt     *time.Time            `json:"resolved_at,omitempty"`
}

// ApprovalDecision is one collected approver verdict.
type ApprovalDecision struct {
	ApproverID string          `json:"approver_id"`
	Decision   schema.Decision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// ScheduledWake is a durable delay-queue entry: resume the execution at its
// current node no earlier than WakeAt.
type ScheduledWake struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	WakeAt      time.Time `json:"wake_at"`
	Fired       bool      `json:"fired"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditEntry is an immutable record of an operation against a workflow or
// execution. Appends are fire-and-forget.
type AuditEntry struct {
	ID           int64           `json:"id"`
	TeamID       string          `json:"team_id,omitempty"`
	ActorID      string          `json:"actor_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TeamID      string              `json:"team_id,omitempty"`
	Trigger     *schema.TriggerKind `json:"trigger,omitempty"`
	IsPublished *bool               `json:"is_published,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name          *string         `json:"name,omitempty"`
	Description   *string         `json:"description,omitempty"`
	TriggerConfig json.RawMessage `json:"trigger_config,omitempty"`
	IsPublished   *bool           `json:"is_published,omitempty"`
	DefinitionID  *string         `json:"definition_id,omitempty"`
	Version       *int            `json:"version,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. A nil Context
// leaves the persisted context untouched.
type ExecutionUpdate struct {
	Context       map[string]any  `json:"context,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CurrentNodeID *string         `json:"current_node_id,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NodeExecutionUpdate finalizes a node execution.
type NodeExecutionUpdate struct {
	Status      schema.NodeExecutionStatus `json:"status"`
	Output      json.RawMessage            `json:"output,omitempty"`
	Error       json.RawMessage            `json:"error,omitempty"`
	CompletedAt time.Time                  `json:"completed_at"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	ExecutionID   string                 `json:"execution_id,omitempty"`
	Status        *schema.ApprovalStatus `json:"status,omitempty"`
	ExpiresBefore *time.Time             `json:"expires_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	TeamID       string     `json:"team_id,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}
