package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/gantry/pkg/schema"
)

// LibSQLStore is the production Store backed by a local libsql database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (creating if needed) the database at path and applies
// pending migrations. The pool is capped at a single connection; libsql
// serializes writers anyway and a single connection avoids SQLITE_BUSY churn.
func NewLibSQLStore(ctx context.Context, path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "opening database").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "applying %s", pragma).WithCause(err)
		}
	}

	s := &LibSQLStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	tags, err := marshalJSON(wf.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, team_id, name, description, trigger, trigger_config,
			is_published, definition_id, version, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TeamID, wf.Name, nullStr(wf.Description), string(wf.Trigger),
		rawOrNil(wf.TriggerConfig), wf.IsPublished, nullStr(wf.DefinitionID),
		wf.Version, tags, timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt))
	if err != nil {
		return storeErr("creating workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, name, description, trigger, trigger_config,
			is_published, definition_id, version, tags, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.TriggerConfig != nil {
		sets = append(sets, "trigger_config = ?")
		args = append(args, string(update.TriggerConfig))
	}
	if update.IsPublished != nil {
		sets = append(sets, "is_published = ?")
		args = append(args, *update.IsPublished)
	}
	if update.DefinitionID != nil {
		sets = append(sets, "definition_id = ?")
		args = append(args, *update.DefinitionID)
	}
	if update.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *update.Version)
	}
	if update.Tags != nil {
		tags, err := marshalJSON(update.Tags)
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return storeErr("updating workflow", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `
		SELECT id, team_id, name, description, trigger, trigger_config,
			is_published, definition_id, version, tags, created_at, updated_at
		FROM workflows WHERE 1=1`
	var args []any
	if filter.TeamID != "" {
		query += " AND team_id = ?"
		args = append(args, filter.TeamID)
	}
	if filter.Trigger != nil {
		query += " AND trigger = ?"
		args = append(args, string(*filter.Trigger))
	}
	if filter.IsPublished != nil {
		query += " AND is_published = ?"
		args = append(args, *filter.IsPublished)
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row scanner) (*Workflow, error) {
	var wf Workflow
	var description, triggerConfig, definitionID, tags sql.NullString
	var trigger string
	err := row.Scan(&wf.ID, &wf.TeamID, &wf.Name, &description, &trigger, &triggerConfig,
		&wf.IsPublished, &definitionID, &wf.Version, &tags, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, scanErr("workflow", err)
	}
	wf.Description = description.String
	wf.Trigger = schema.TriggerKind(trigger)
	wf.TriggerConfig = rawFromNull(triggerConfig)
	wf.DefinitionID = definitionID.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &wf.Tags); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decoding workflow tags").WithCause(err)
		}
	}
	return &wf, nil
}

// --- Definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *DefinitionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, workflow_id, content, nodes, edges, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.WorkflowID, string(def.Content), string(def.Nodes), string(def.Edges),
		def.Version, timeOrNow(def.CreatedAt))
	if err != nil {
		return storeErr("creating definition", err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*DefinitionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, content, nodes, edges, version, created_at
		FROM definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, workflowID string) ([]*DefinitionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, content, nodes, edges, version, created_at
		FROM definitions WHERE workflow_id = ? ORDER BY version DESC`, workflowID)
	if err != nil {
		return nil, storeErr("listing definitions", err)
	}
	defer rows.Close()

	var out []*DefinitionRow
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanDefinition(row scanner) (*DefinitionRow, error) {
	var def DefinitionRow
	var content, nodes, edges string
	err := row.Scan(&def.ID, &def.WorkflowID, &content, &nodes, &edges, &def.Version, &def.CreatedAt)
	if err != nil {
		return nil, scanErr("definition", err)
	}
	def.Content = json.RawMessage(content)
	def.Nodes = json.RawMessage(nodes)
	def.Edges = json.RawMessage(edges)
	return &def, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	execContext := ex.Context
	if execContext == nil {
		execContext = map[string]any{}
	}
	contextJSON, err := marshalJSON(execContext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, definition_id, status, context, output,
			current_node_id, error, triggered_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.DefinitionID, string(ex.Status), contextJSON,
		rawOrNil(ex.Output), nullStr(ex.CurrentNodeID), rawOrNil(ex.Error),
		timeOrNow(ex.TriggeredAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt))
	if err != nil {
		return storeErr("creating execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, definition_id, status, context, output,
			current_node_id, error, triggered_at, completed_at, updated_at
		FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *LibSQLStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}

	if update.Context != nil {
		contextJSON, err := marshalJSON(update.Context)
		if err != nil {
			return err
		}
		sets = append(sets, "context = ?")
		args = append(args, contextJSON)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?",
		args...)
	if err != nil {
		return storeErr("transitioning execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("transitioning execution", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is no longer in status %s", id, from).
			WithDetails(map[string]any{"execution_id": id, "expected_status": string(from)})
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `
		SELECT id, workflow_id, definition_id, status, context, output,
			current_node_id, error, triggered_at, completed_at, updated_at
		FROM executions WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		query += " AND triggered_at >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY triggered_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(row scanner) (*Execution, error) {
	var ex Execution
	var status, contextJSON string
	var output, currentNode, errJSON sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.DefinitionID, &status, &contextJSON,
		&output, &currentNode, &errJSON, &ex.TriggeredAt, &completedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, scanErr("execution", err)
	}
	ex.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(contextJSON), &ex.Context); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decoding execution context").WithCause(err)
	}
	ex.Output = rawFromNull(output)
	ex.CurrentNodeID = currentNode.String
	ex.Error = rawFromNull(errJSON)
	if completedAt.Valid {
		t := completedAt.Time
		ex.CompletedAt = &t
	}
	return &ex, nil
}

// --- Node executions ---

func (s *LibSQLStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_executions (id, execution_id, node_id, status, input, output,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.NodeID, string(ne.Status), rawOrNil(ne.Input),
		rawOrNil(ne.Output), rawOrNil(ne.Error), timeOrNow(ne.StartedAt), nullTime(ne.CompletedAt))
	if err != nil {
		return storeErr("creating node execution", err)
	}
	return nil
}

func (s *LibSQLStore) FinalizeNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_executions SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('success', 'failed', 'cancelled')`,
		string(update.Status), rawOrNil(update.Output), rawOrNil(update.Error),
		update.CompletedAt, id)
	if err != nil {
		return storeErr("finalizing node execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("finalizing node execution", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %s is already finalized", id)
	}
	return nil
}

func (s *LibSQLStore) GetOpenNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, node_id, status, input, output, error, started_at, completed_at
		FROM node_executions
		WHERE execution_id = ? AND node_id = ? AND status NOT IN ('success', 'failed', 'cancelled')
		ORDER BY started_at DESC LIMIT 1`, executionID, nodeID)
	return scanNodeExecution(row)
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, status, input, output, error, started_at, completed_at
		FROM node_executions WHERE execution_id = ? ORDER BY started_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, storeErr("listing node executions", err)
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func scanNodeExecution(row scanner) (*NodeExecution, error) {
	var ne NodeExecution
	var status string
	var input, output, errJSON sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &status, &input, &output,
		&errJSON, &ne.StartedAt, &completedAt)
	if err != nil {
		return nil, scanErr("node execution", err)
	}
	ne.Status = schema.NodeExecutionStatus(status)
	ne.Input = rawFromNull(input)
	ne.Output = rawFromNull(output)
	ne.Error = rawFromNull(errJSON)
	if completedAt.Valid {
		t := completedAt.Time
		ne.CompletedAt = &t
	}
	return &ne, nil
}

// --- Approval requests ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ar *ApprovalRequest) error {
	approvers, err := marshalJSON(ar.Approvers)
	if err != nil {
		return err
	}
	decisions, err := marshalJSON(decisionsOrEmpty(ar.Decisions))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, execution_id, node_id, approvers, require_all,
			allow_veto, timeout_seconds, status, decisions, version, created_at, expires_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.ExecutionID, ar.NodeID, approvers, ar.RequireAll, ar.AllowVeto,
		ar.TimeoutSeconds, string(ar.Status), decisions, ar.Version, timeOrNow(ar.CreatedAt),
		nullTime(ar.ExpiresAt), nullTime(ar.ResolvedAt))
	if err != nil {
		return storeErr("creating approval request", err)
	}
	return nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = ?`, id)
	return scanApproval(row)
}

func (s *LibSQLStore) GetActiveApproval(ctx context.Context, executionID string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		approvalSelect+` WHERE execution_id = ? AND status = 'pending' ORDER BY created_at DESC LIMIT 1`,
		executionID)
	return scanApproval(row)
}

func (s *LibSQLStore) UpdateApprovalCAS(ctx context.Context, id string, expect schema.ApprovalStatus, expectVersion int, decisions []ApprovalDecision, status schema.ApprovalStatus) error {
	decisionsJSON, err := marshalJSON(decisionsOrEmpty(decisions))
	if err != nil {
		return err
	}
	var resolvedAt any
	if status.Resolved() {
		resolvedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET decisions = ?, status = ?, version = version + 1, resolved_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		decisionsJSON, string(status), resolvedAt, id, string(expect), expectVersion)
	if err != nil {
		return storeErr("updating approval request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("updating approval request", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval request %s changed since it was read (expected status %s, version %d)",
			id, expect, expectVersion)
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	query := approvalSelect + ` WHERE 1=1`
	var args []any
	if filter.ExecutionID != "" {
		query += " AND execution_id = ?"
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.ExpiresBefore != nil {
		query += " AND expires_at IS NOT NULL AND expires_at < ?"
		args = append(args, *filter.ExpiresBefore)
	}
	query += " ORDER BY created_at ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing approval requests", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		ar, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}

const approvalSelect = `
	SELECT id, execution_id, node_id, approvers, require_all, allow_veto,
		timeout_seconds, status, decisions, version, created_at, expires_at, resolved_at
	FROM approval_requests`

func scanApproval(row scanner) (*ApprovalRequest, error) {
	var ar ApprovalRequest
	var approvers, status, decisions string
	var expiresAt, resolvedAt sql.NullTime
	err := row.Scan(&ar.ID, &ar.ExecutionID, &ar.NodeID, &approvers, &ar.RequireAll,
		&ar.AllowVeto, &ar.TimeoutSeconds, &status, &decisions, &ar.Version,
		&ar.CreatedAt, &expiresAt, &resolvedAt)
	if err != nil {
		return nil, scanErr("approval request", err)
	}
	if err := json.Unmarshal([]byte(approvers), &ar.Approvers); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decoding approvers").WithCause(err)
	}
	if err := json.Unmarshal([]byte(decisions), &ar.Decisions); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decoding approval decisions").WithCause(err)
	}
	ar.Status = schema.ApprovalStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		ar.ExpiresAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		ar.ResolvedAt = &t
	}
	return &ar, nil
}

// --- Scheduled wakes ---

func (s *LibSQLStore) CreateWake(ctx context.Context, w *ScheduledWake) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_wakes (id, execution_id, node_id, wake_at, fired, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.ExecutionID, w.NodeID, w.WakeAt, w.Fired, timeOrNow(w.CreatedAt))
	if err != nil {
		return storeErr("creating scheduled wake", err)
	}
	return nil
}

func (s *LibSQLStore) GetWake(ctx context.Context, executionID, nodeID string) (*ScheduledWake, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, node_id, wake_at, fired, created_at
		FROM scheduled_wakes WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	return scanWake(row)
}

func (s *LibSQLStore) DueWakes(ctx context.Context, now time.Time) ([]*ScheduledWake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, wake_at, fired, created_at
		FROM scheduled_wakes WHERE fired = 0 AND wake_at <= ? ORDER BY wake_at ASC`, now)
	if err != nil {
		return nil, storeErr("listing due wakes", err)
	}
	defer rows.Close()

	var out []*ScheduledWake
	for rows.Next() {
		w, err := scanWake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) MarkWakeFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_wakes SET fired = 1 WHERE id = ? AND fired = 0`, id)
	if err != nil {
		return storeErr("marking wake fired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("marking wake fired", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled wake %s already fired", id)
	}
	return nil
}

func scanWake(row scanner) (*ScheduledWake, error) {
	var w ScheduledWake
	err := row.Scan(&w.ID, &w.ExecutionID, &w.NodeID, &w.WakeAt, &w.Fired, &w.CreatedAt)
	if err != nil {
		return nil, scanErr("scheduled wake", err)
	}
	return &w, nil
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (team_id, actor_id, action, resource_type, resource_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStr(entry.TeamID), nullStr(entry.ActorID), entry.Action, entry.ResourceType,
		nullStr(entry.ResourceID), rawOrNil(entry.Details), timeOrNow(entry.Timestamp))
	if err != nil {
		return storeErr("appending audit entry", err)
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT id, team_id, actor_id, action, resource_type, resource_id, details, timestamp
		FROM audit_log WHERE 1=1`
	var args []any
	if filter.TeamID != "" {
		query += " AND team_id = ?"
		args = append(args, filter.TeamID)
	}
	if filter.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, filter.ResourceID)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY id DESC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("listing audit entries", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var teamID, actorID, resourceID, details sql.NullString
		if err := rows.Scan(&e.ID, &teamID, &actorID, &e.Action, &e.ResourceType,
			&resourceID, &details, &e.Timestamp); err != nil {
			return nil, scanErr("audit entry", err)
		}
		e.TeamID = teamID.String
		e.ActorID = actorID.String
		e.ResourceID = resourceID.String
		e.Details = rawFromNull(details)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, rotated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return storeErr("storing secret", err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
	}
	if err != nil {
		return nil, storeErr("reading secret", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeErr("deleting secret", err)
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, storeErr("listing secrets", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, scanErr("secret key", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// --- Helpers ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawFromNull(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func marshalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "encoding value").WithCause(err)
	}
	return string(raw), nil
}

func decisionsOrEmpty(ds []ApprovalDecision) []ApprovalDecision {
	if ds == nil {
		return []ApprovalDecision{}
	}
	return ds
}

func limitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
		if offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", offset)
		}
	}
	return sb.String()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("checking affected rows", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}

func storeErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func scanErr(kind string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found", kind)
	}
	return schema.NewError(schema.ErrCodeStore, "scanning "+kind).WithCause(err)
}
