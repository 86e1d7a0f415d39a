package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// Resumer clears an approval suspension with the gate's verdict. The engine
// implements it.
type Resumer interface {
	ResumeApproval(ctx context.Context, executionID string, approved bool, reason string) error
}

// Authorizer answers whether an approver outside the request's explicit
// approver list may still decide it (e.g. a team admin policy). Nil means the
// approver list is the whole policy.
type Authorizer interface {
	CanApprove(ctx context.Context, ar *store.ApprovalRequest, approverID string) bool
}

// Coordinator collects approver decisions and resolves approval requests.
// Resolution is quorum-based: with require_all every listed approver must
// approve and any single rejection vetoes immediately; without it the first
// eligible approval resolves the gate, and a rejection does too when the gate
// allows veto. On resolution the suspended execution is resumed with the
// verdict.
type Coordinator struct {
	store  store.Store
	resume Resumer
	authz  Authorizer
	audit  *audit.Recorder
	logger *slog.Logger
	now    func() time.Time
}

// Config wires the coordinator's collaborators.
type Config struct {
	Store      store.Store
	Resumer    Resumer
	Authorizer Authorizer
	Audit      *audit.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewCoordinator builds a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Coordinator{
		store:  cfg.Store,
		resume: cfg.Resumer,
		authz:  cfg.Authorizer,
		audit:  cfg.Audit,
		logger: logger,
		now:    nowFn,
	}
}

// Submit records one approver's verdict on a pending request. It fails with
// FORBIDDEN for an ineligible approver, STATE_ERROR for a request that is no
// longer pending, and CONFLICT for a duplicate decision. When the verdict
// resolves the request, the suspended execution is resumed before returning.
func (c *Coordinator) Submit(ctx context.Context, approvalID, approverID string, decision schema.Decision, comment string) (*store.ApprovalRequest, error) {
	ar, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, "", ar.ExecutionID, ar.NodeID)

	if ar.Status != schema.ApprovalStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"approval %s is already %s", approvalID, ar.Status)
	}
	if ar.ExpiresAt != nil && !ar.ExpiresAt.After(c.now().UTC()) {
		if err := c.expireRequest(ctx, ar); err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"approval %s expired before a verdict", approvalID)
	}

	if !c.eligible(ctx, ar, approverID) {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden,
			"%s is not an authorized approver", approverID)
	}
	for _, d := range ar.Decisions {
		if d.ApproverID == approverID {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"%s already decided this request", approverID)
		}
	}

	decisions := append(append([]store.ApprovalDecision(nil), ar.Decisions...), store.ApprovalDecision{
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  c.now().UTC(),
	})
	status := resolve(ar, decisions)

	// The version read above rides along, so a concurrent Submit that wrote
	// in between (even without resolving the request) surfaces here instead
	// of being overwritten. The caller re-reads and retries.
	if err := c.store.UpdateApprovalCAS(ctx, ar.ID, schema.ApprovalStatusPending, ar.Version, decisions, status); err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			return nil, schema.NewErrorf(schema.ErrCodeConcurrency,
				"approval %s changed concurrently; re-read and retry", ar.ID).WithCause(err)
		}
		return nil, err
	}
	ar.Decisions = decisions
	ar.Status = status
	ar.Version++

	c.recordAudit(ctx, ar, approverID, decision)

	if status.Resolved() {
		reason := comment
		if status == schema.ApprovalStatusRejected && reason == "" {
			reason = "approval rejected"
		}
		if err := c.resume.ResumeApproval(ctx, ar.ExecutionID, status == schema.ApprovalStatusApproved, reason); err != nil {
			// The verdict is durable; RecoverStranded replays it on the next
			// sweep if the execution is still parked.
			logging.LogWith(ctx, c.logger).Error("could not resume execution after approval",
				slog.String("approval_id", ar.ID),
				slog.String("error", err.Error()))
			return ar, err
		}
	}
	return ar, nil
}

// ExpireOverdue sweeps pending requests whose deadline has passed, marks them
// EXPIRED, and resumes their executions as though rejected. It returns the
// ids it expired; individual failures are logged and skipped.
func (c *Coordinator) ExpireOverdue(ctx context.Context, now time.Time) ([]string, error) {
	pending := schema.ApprovalStatusPending
	overdue, err := c.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:        &pending,
		ExpiresBefore: &now,
	})
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, ar := range overdue {
		if err := c.expireRequest(ctx, ar); err != nil {
			logging.LogWith(ctx, c.logger).Warn("could not expire approval",
				slog.String("approval_id", ar.ID),
				slog.String("error", err.Error()))
			continue
		}
		expired = append(expired, ar.ID)
	}
	return expired, nil
}

// RecoverStranded finds executions still parked on an approval whose request
// already resolved — the resume call failed after the verdict was durably
// written — and replays the verdict. It returns the execution ids it resumed;
// individual failures are logged and skipped, so the next sweep tries again.
func (c *Coordinator) RecoverStranded(ctx context.Context) ([]string, error) {
	awaiting := schema.ExecutionStatusAwaitingApproval
	parked, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Status: &awaiting})
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, ex := range parked {
		ars, err := c.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: ex.ID})
		if err != nil {
			logging.LogWith(ctx, c.logger).Warn("could not list approvals for parked execution",
				slog.String("execution_id", ex.ID),
				slog.String("error", err.Error()))
			continue
		}
		if len(ars) == 0 {
			continue
		}
		latest := ars[len(ars)-1]
		if !latest.Status.Resolved() {
			// Still waiting on approvers; nothing to replay.
			continue
		}

		approved, reason := verdict(latest)
		if err := c.resume.ResumeApproval(ctx, ex.ID, approved, reason); err != nil {
			logging.LogWith(ctx, c.logger).Warn("could not replay approval verdict",
				slog.String("execution_id", ex.ID),
				slog.String("approval_id", latest.ID),
				slog.String("error", err.Error()))
			continue
		}
		recovered = append(recovered, ex.ID)
	}
	return recovered, nil
}

// verdict derives the resume arguments from a resolved request.
func verdict(ar *store.ApprovalRequest) (approved bool, reason string) {
	switch ar.Status {
	case schema.ApprovalStatusApproved:
		if len(ar.Decisions) > 0 {
			reason = ar.Decisions[len(ar.Decisions)-1].Comment
		}
		return true, reason
	case schema.ApprovalStatusExpired:
		return false, "approval timed out"
	default:
		for _, d := range ar.Decisions {
			if d.Decision == schema.DecisionRejected && d.Comment != "" {
				return false, d.Comment
			}
		}
		return false, "approval rejected"
	}
}

// expireRequest resolves one overdue request as EXPIRED and resumes its
// execution with a timeout verdict.
func (c *Coordinator) expireRequest(ctx context.Context, ar *store.ApprovalRequest) error {
	err := c.store.UpdateApprovalCAS(ctx, ar.ID, schema.ApprovalStatusPending, ar.Version, ar.Decisions, schema.ApprovalStatusExpired)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			// Someone decided or resolved it in the meantime.
			return nil
		}
		return err
	}

	if c.audit != nil {
		c.audit.Record(ctx, audit.Entry{
			Action:       "approval.expired",
			ResourceType: "approval",
			ResourceID:   ar.ID,
			Details:      map[string]any{"execution_id": ar.ExecutionID},
		})
	}

	if err := c.resume.ResumeApproval(ctx, ar.ExecutionID, false, "approval timed out"); err != nil {
		logging.LogWith(ctx, c.logger).Warn("could not resume execution after expiry",
			slog.String("approval_id", ar.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (c *Coordinator) eligible(ctx context.Context, ar *store.ApprovalRequest, approverID string) bool {
	for _, a := range ar.Approvers {
		if a == approverID {
			return true
		}
	}
	if c.authz != nil {
		return c.authz.CanApprove(ctx, ar, approverID)
	}
	return false
}

func (c *Coordinator) recordAudit(ctx context.Context, ar *store.ApprovalRequest, approverID string, decision schema.Decision) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, audit.Entry{
		ActorID:      approverID,
		Action:       "approval.decided",
		ResourceType: "approval",
		ResourceID:   ar.ID,
		Details: map[string]any{
			"execution_id": ar.ExecutionID,
			"decision":     string(decision),
			"status":       string(ar.Status),
		},
	})
}

// resolve computes the request status implied by the collected decisions.
func resolve(ar *store.ApprovalRequest, decisions []store.ApprovalDecision) schema.ApprovalStatus {
	if ar.RequireAll {
		for _, d := range decisions {
			if d.Decision == schema.DecisionRejected {
				return schema.ApprovalStatusRejected
			}
		}
		approvals := make(map[string]bool, len(decisions))
		for _, d := range decisions {
			if d.Decision == schema.DecisionApproved {
				approvals[d.ApproverID] = true
			}
		}
		for _, a := range ar.Approvers {
			if !approvals[a] {
				return schema.ApprovalStatusPending
			}
		}
		return schema.ApprovalStatusApproved
	}

	last := decisions[len(decisions)-1]
	if last.Decision == schema.DecisionApproved {
		return schema.ApprovalStatusApproved
	}
	if ar.AllowVeto {
		return schema.ApprovalStatusRejected
	}
	return schema.ApprovalStatusPending
}
