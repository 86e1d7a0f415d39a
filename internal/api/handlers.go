package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/workflows"
	"github.com/rendis/gantry/pkg/schema"
)

// CreateWorkflow registers a new workflow shell.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var in workflows.CreateWorkflowInput
	if err := c.Bind(&in); err != nil {
		return writeErr(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
	}
	wf, err := s.workflows.CreateWorkflow(c.Request().Context(), in)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflows lists workflows, optionally filtered by team and trigger.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	filter := store.WorkflowFilter{TeamID: c.QueryParam("team_id")}
	if v := c.QueryParam("trigger"); v != "" {
		trigger := schema.TriggerKind(v)
		filter.Trigger = &trigger
	}
	if v := c.QueryParam("published"); v != "" {
		published := v == "true"
		filter.IsPublished = &published
	}
	list, err := s.store.ListWorkflows(c.Request().Context(), filter)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetWorkflow fetches one workflow.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.store.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// saveDefinitionResponse pairs the stored version with validation warnings.
type saveDefinitionResponse struct {
	Definition *store.DefinitionRow     `json:"definition"`
	Result     *schema.ValidationResult `json:"result"`
}

// SaveDefinition validates and stores the request body as the workflow's
// next definition version. The raw body is the serialized graph.
// (PUT /api/v1/workflows/:id/definition)
func (s *Server) SaveDefinition(c echo.Context) error {
	content, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeErr(c, schema.NewError(schema.ErrCodeValidation, "unreadable request body").WithCause(err))
	}

	row, result, err := s.workflows.SaveDefinition(c.Request().Context(), c.Param("id"), content)
	if err != nil {
		var gerr *schema.GantryError
		if result != nil && errors.As(err, &gerr) {
			// Full issue list alongside the rejection.
			return c.JSON(statusFor(gerr.Code), map[string]any{
				"error":  gerr,
				"result": result,
			})
		}
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, saveDefinitionResponse{Definition: row, Result: result})
}

// ListDefinitions returns the workflow's version history.
// (GET /api/v1/workflows/:id/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	list, err := s.workflows.ListVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// PublishWorkflow makes the current definition executable.
// (POST /api/v1/workflows/:id/publish)
func (s *Server) PublishWorkflow(c echo.Context) error {
	wf, err := s.workflows.Publish(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// UnpublishWorkflow blocks new executions.
// (POST /api/v1/workflows/:id/unpublish)
func (s *Server) UnpublishWorkflow(c echo.Context) error {
	wf, err := s.workflows.Unpublish(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// StartExecution creates an execution and advances it asynchronously.
// (POST /api/v1/workflows/:id/executions)
func (s *Server) StartExecution(c echo.Context) error {
	var input map[string]any
	if err := c.Bind(&input); err != nil {
		return writeErr(c, schema.NewError(schema.ErrCodeValidation, "invalid trigger payload").WithCause(err))
	}

	ctx := c.Request().Context()
	ex, err := s.engine.CreateExecution(ctx, c.Param("id"), input)
	if err != nil {
		return writeErr(c, err)
	}

	s.submitAdvance(ex.ID)
	return c.JSON(http.StatusAccepted, ex)
}

// ListExecutions lists executions, optionally by workflow and status.
// (GET /api/v1/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{WorkflowID: c.QueryParam("workflow_id")}
	if v := c.QueryParam("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	list, err := s.store.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetExecution fetches one execution.
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	ex, err := s.store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

// ListNodeExecutions returns the per-node trail of an execution.
// (GET /api/v1/executions/:id/nodes)
func (s *Server) ListNodeExecutions(c echo.Context) error {
	list, err := s.store.ListNodeExecutions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// ResumeExecution manually retries a failed execution.
// (POST /api/v1/executions/:id/resume)
func (s *Server) ResumeExecution(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Resume(c.Request().Context(), id); err != nil {
		return writeErr(c, err)
	}
	ex, err := s.store.GetExecution(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

// CancelExecution terminates a non-terminal execution.
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request().Context(), id); err != nil {
		return writeErr(c, err)
	}
	ex, err := s.store.GetExecution(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ex)
}

// approvalDecisionRequest is one approver's verdict.
type approvalDecisionRequest struct {
	ApproverID string          `json:"approver_id"`
	Decision   schema.Decision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`
}

// SubmitApproval records an approver's decision on a pending request.
// (POST /api/v1/approvals/:id/decision)
func (s *Server) SubmitApproval(c echo.Context) error {
	var req approvalDecisionRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
	}
	if req.ApproverID == "" {
		return writeErr(c, schema.NewError(schema.ErrCodeValidation, "approver_id is required"))
	}
	if req.Decision != schema.DecisionApproved && req.Decision != schema.DecisionRejected {
		return writeErr(c, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", req.Decision))
	}

	ar, err := s.approvals.Submit(c.Request().Context(), c.Param("id"), req.ApproverID, req.Decision, req.Comment)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ar)
}

// ListAudit returns audit entries, newest first.
// (GET /api/v1/audit)
func (s *Server) ListAudit(c echo.Context) error {
	filter := store.AuditFilter{
		TeamID:       c.QueryParam("team_id"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return writeErr(c, schema.NewError(schema.ErrCodeValidation, "since must be RFC3339"))
		}
		filter.Since = &since
	}
	list, err := s.store.ListAudit(c.Request().Context(), filter)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// submitAdvance hands the execution to the worker pool. The request does not
// wait for the walk; the client polls the execution resource.
func (s *Server) submitAdvance(executionID string) {
	if s.pool == nil {
		return
	}
	// Detached from the request context: the walk outlives the HTTP call.
	err := s.pool.Submit(context.Background(), func(ctx context.Context) error {
		if err := s.engine.Advance(ctx, executionID); err != nil {
			code := schema.CodeOf(err)
			if code == schema.ErrCodeConcurrency || code == schema.ErrCodeState {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("could not submit execution advance",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}
