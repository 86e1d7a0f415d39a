package schema

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending          ExecutionStatus = "pending"
	ExecutionStatusRunning          ExecutionStatus = "running"
	ExecutionStatusAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionStatusSuccess          ExecutionStatus = "success"
	ExecutionStatusFailed           ExecutionStatus = "failed"
	ExecutionStatusCancelled        ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further mutation.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeExecutionStatus represents the lifecycle state of one node's processing.
// A node execution stays "pending" while its node is suspended (approval, delay)
// and is finalized exactly once.
type NodeExecutionStatus string

const (
	NodeStatusPending   NodeExecutionStatus = "pending"
	NodeStatusRunning   NodeExecutionStatus = "running"
	NodeStatusSuccess   NodeExecutionStatus = "success"
	NodeStatusFailed    NodeExecutionStatus = "failed"
	NodeStatusCancelled NodeExecutionStatus = "cancelled"
)

// Terminal reports whether the node execution is finalized.
func (s NodeExecutionStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailed || s == NodeStatusCancelled
}

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Resolved reports whether the request has reached its single terminal transition.
func (s ApprovalStatus) Resolved() bool {
	return s != ApprovalStatusPending
}

// Decision is one approver's verdict on an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)
