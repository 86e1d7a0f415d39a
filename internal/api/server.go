// Package api exposes the HTTP surface: workflow and definition management,
// execution control, and approval decisions.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/gantry/internal/approvals"
	"github.com/rendis/gantry/internal/engine"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/workflows"
	"github.com/rendis/gantry/pkg/schema"
)

// Server holds the handler dependencies.
type Server struct {
	workflows *workflows.Service
	engine    *engine.Engine
	approvals *approvals.Coordinator
	store     store.Store
	pool      *engine.WorkerPool
	logger    *slog.Logger
}

// Config wires the server.
type Config struct {
	Workflows *workflows.Service
	Engine    *engine.Engine
	Approvals *approvals.Coordinator
	Store     store.Store
	Pool      *engine.WorkerPool
	Logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		workflows: cfg.Workflows,
		engine:    cfg.Engine,
		approvals: cfg.Approvals,
		store:     cfg.Store,
		pool:      cfg.Pool,
		logger:    logger,
	}
}

// Register mounts all routes under /api/v1.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.PUT("/workflows/:id/definition", s.SaveDefinition)
	g.GET("/workflows/:id/definitions", s.ListDefinitions)
	g.POST("/workflows/:id/publish", s.PublishWorkflow)
	g.POST("/workflows/:id/unpublish", s.UnpublishWorkflow)

	g.POST("/workflows/:id/executions", s.StartExecution)
	g.GET("/executions", s.ListExecutions)
	g.GET("/executions/:id", s.GetExecution)
	g.GET("/executions/:id/nodes", s.ListNodeExecutions)
	g.POST("/executions/:id/resume", s.ResumeExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)

	g.POST("/approvals/:id/decision", s.SubmitApproval)
	g.GET("/audit", s.ListAudit)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error *schema.GantryError `json:"error"`
}

// writeErr maps GantryError codes onto HTTP statuses. Validation problems
// are the caller's fault (400), contention and stale state are conflicts
// (409), everything unexpected is a 500.
func writeErr(c echo.Context, err error) error {
	var gerr *schema.GantryError
	if !errors.As(err, &gerr) {
		gerr = schema.NewError(schema.ErrCodeState, err.Error())
	}
	return c.JSON(statusFor(gerr.Code), errorBody{Error: gerr})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeParse, schema.ErrCodeValidation, schema.ErrCodeGraph, schema.ErrCodeInterpolation:
		return http.StatusBadRequest
	case schema.ErrCodeForbidden:
		return http.StatusForbidden
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeConcurrency, schema.ErrCodeState, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
