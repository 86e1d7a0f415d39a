// Package workflows owns the definition lifecycle: saving immutable
// definition versions, publishing, and unpublishing. Executions always pin a
// definition version, so past runs stay reproducible after later edits.
package workflows

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/logging"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/validation"
	"github.com/rendis/gantry/pkg/schema"
)

// Service manages workflows and their definition versions.
type Service struct {
	store     store.Store
	validator *validation.DefinitionValidator
	audit     *audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Config wires the service.
type Config struct {
	Store     store.Store
	Validator *validation.DefinitionValidator
	Audit     *audit.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewService builds the workflow service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		store:     cfg.Store,
		validator: cfg.Validator,
		audit:     cfg.Audit,
		logger:    logger,
		now:       nowFn,
	}
}

// CreateWorkflowInput carries the mutable workflow metadata.
type CreateWorkflowInput struct {
	TeamID        string             `json:"team_id"`
	Name          string             `json:"name"`
	Description   string             `json:"description,omitempty"`
	Trigger       schema.TriggerKind `json:"trigger"`
	TriggerConfig json.RawMessage    `json:"trigger_config,omitempty"`
	Tags          []string           `json:"tags,omitempty"`
}

// CreateWorkflow registers a new, unpublished workflow shell. Definitions are
// attached afterwards with SaveDefinition.
func (s *Service) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (*store.Workflow, error) {
	if in.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if !schema.ValidTriggerKinds[in.Trigger] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", in.Trigger)
	}

	now := s.now().UTC()
	wf := &store.Workflow{
		ID:            uuid.NewString(),
		TeamID:        in.TeamID,
		Name:          in.Name,
		Description:   in.Description,
		Trigger:       in.Trigger,
		TriggerConfig: in.TriggerConfig,
		Tags:          in.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	s.recordAudit(ctx, wf.TeamID, "workflow.created", wf.ID, map[string]any{
		"name":    wf.Name,
		"trigger": string(wf.Trigger),
	})
	return wf, nil
}

// SaveDefinition validates the serialized graph and, when it is clean,
// stores it as the workflow's next immutable version and swaps the current
// pointer. A validation failure rejects the save outright; nothing is
// partially applied. The returned result carries warnings even on success.
func (s *Service) SaveDefinition(ctx context.Context, workflowID string, content []byte) (*store.DefinitionRow, *schema.ValidationResult, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	def, err := schema.ParseDefinition(content)
	if err != nil {
		return nil, nil, err
	}
	if def.Trigger != wf.Trigger {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition trigger %q does not match workflow trigger %q", def.Trigger, wf.Trigger)
	}

	result := s.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, result, err
	}

	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return nil, result, schema.NewError(schema.ErrCodeValidation, "nodes not serializable").WithCause(err)
	}
	edges, err := json.Marshal(def.Edges)
	if err != nil {
		return nil, result, schema.NewError(schema.ErrCodeValidation, "edges not serializable").WithCause(err)
	}

	version := wf.Version + 1
	row := &store.DefinitionRow{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Content:    content,
		Nodes:      nodes,
		Edges:      edges,
		Version:    version,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateDefinition(ctx, row); err != nil {
		return nil, result, err
	}

	if err := s.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{
		DefinitionID: &row.ID,
		Version:      &version,
	}); err != nil {
		return nil, result, err
	}

	s.recordAudit(ctx, wf.TeamID, "definition.saved", workflowID, map[string]any{
		"definition_id": row.ID,
		"version":       version,
		"warnings":      len(result.Warnings),
	})
	logging.LogWith(ctx, s.logger).Info("definition saved",
		slog.String("workflow_id", workflowID),
		slog.Int("version", version),
		slog.String("graph", schema.GraphSummary(def)))
	return row, result, nil
}

// Publish makes the workflow's current definition executable. A workflow
// with no saved definition cannot be published.
func (s *Service) Publish(ctx context.Context, workflowID string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.DefinitionID == "" {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"workflow %s has no definition to publish", workflowID)
	}
	if wf.IsPublished {
		return wf, nil
	}

	published := true
	if err := s.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{IsPublished: &published}); err != nil {
		return nil, err
	}
	wf.IsPublished = true

	s.recordAudit(ctx, wf.TeamID, "workflow.published", workflowID, map[string]any{
		"definition_id": wf.DefinitionID,
		"version":       wf.Version,
	})
	return wf, nil
}

// Unpublish stops new executions from being created. Running and suspended
// executions are unaffected; they keep their pinned definition.
func (s *Service) Unpublish(ctx context.Context, workflowID string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.IsPublished {
		return wf, nil
	}

	published := false
	if err := s.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{IsPublished: &published}); err != nil {
		return nil, err
	}
	wf.IsPublished = false

	s.recordAudit(ctx, wf.TeamID, "workflow.unpublished", workflowID, nil)
	return wf, nil
}

// ListVersions returns the workflow's definition history, newest first.
func (s *Service) ListVersions(ctx context.Context, workflowID string) ([]*store.DefinitionRow, error) {
	return s.store.ListDefinitions(ctx, workflowID)
}

func (s *Service) recordAudit(ctx context.Context, teamID, action, resourceID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, audit.Entry{
		TeamID:       teamID,
		Action:       action,
		ResourceType: "workflow",
		ResourceID:   resourceID,
		Details:      details,
	})
}
