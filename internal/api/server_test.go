package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/internal/actions"
	"github.com/rendis/gantry/internal/approvals"
	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/engine"
	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/validation"
	"github.com/rendis/gantry/internal/workflows"
	"github.com/rendis/gantry/pkg/schema"
)

type pingAction struct{}

func (pingAction) Name() string                  { return "ops.ping" }
func (pingAction) Schema() actions.ActionSchema  { return actions.ActionSchema{} }
func (pingAction) Validate(map[string]any) error { return nil }
func (pingAction) Execute(context.Context, actions.ActionInput) (*actions.ActionOutput, error) {
	return &actions.ActionOutput{Data: map[string]any{"pong": true}}, nil
}

type apiFixture struct {
	echo  *echo.Echo
	store *store.MemoryStore
	pool  *engine.WorkerPool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := audit.NewRecorder(st, logger)

	registry := actions.NewRegistry()
	require.NoError(t, registry.Register(pingAction{}))

	eng := engine.New(engine.Config{
		Store:    st,
		Registry: registry,
		Vault:    secrets.NewStoreVault(st),
		Audit:    recorder,
		Logger:   logger,
	})
	coord := approvals.NewCoordinator(approvals.Config{
		Store:   st,
		Resumer: eng,
		Audit:   recorder,
		Logger:  logger,
	})
	validator, err := validation.NewDefinitionValidator(registry)
	require.NoError(t, err)
	svc := workflows.NewService(workflows.Config{
		Store:     st,
		Validator: validator,
		Audit:     recorder,
		Logger:    logger,
	})

	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)

	e := echo.New()
	NewServer(Config{
		Workflows: svc,
		Engine:    eng,
		Approvals: coord,
		Store:     st,
		Pool:      pool,
		Logger:    logger,
	}).Register(e)

	return &apiFixture{echo: e, store: st, pool: pool}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func pingDefinition(t *testing.T, extraNodes []schema.Node, extraEdges []schema.Edge) []byte {
	t.Helper()
	def := &schema.Definition{
		Name:    "ping rollout",
		Trigger: schema.TriggerManual,
		Nodes: append([]schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, Data: map[string]any{}},
			{ID: "ping", Kind: schema.NodeKindAction, Data: map[string]any{"action": "ops.ping"}},
		}, extraNodes...),
		Edges: append([]schema.Edge{
			{Source: "start", Target: "ping"},
		}, extraEdges...),
	}
	content, err := def.Serialize()
	require.NoError(t, err)
	return content
}

func (f *apiFixture) publishedWorkflow(t *testing.T, definition []byte) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"team_id": "team-1",
		"name":    "ping rollout",
		"trigger": "manual",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[store.Workflow](t, rec)

	rec = f.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID+"/definition", definition)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return wf.ID
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	wfID := f.publishedWorkflow(t, pingDefinition(t, nil, nil))

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", map[string]any{"source": "test"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	ex := decode[store.Execution](t, rec)
	assert.Equal(t, schema.ExecutionStatusPending, ex.Status)

	f.pool.Wait()

	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+ex.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[store.Execution](t, rec)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+ex.ID+"/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes := decode[[]store.NodeExecution](t, rec)
	assert.Len(t, nodes, 2)
}

func TestSaveDefinitionRejectionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"team_id": "team-1",
		"name":    "broken",
		"trigger": "manual",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[store.Workflow](t, rec)

	def := &schema.Definition{
		Name:    "broken",
		Trigger: schema.TriggerManual,
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, Data: map[string]any{}},
			{ID: "step", Kind: schema.NodeKindAction, Data: map[string]any{"action": "no.such.action"}},
		},
		Edges: []schema.Edge{{Source: "start", Target: "step"}},
	}
	content, err := def.Serialize()
	require.NoError(t, err)

	rec = f.do(t, http.MethodPut, "/api/v1/workflows/"+wf.ID+"/definition", content)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error  *schema.GantryError      `json:"error"`
		Result *schema.ValidationResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	require.NotNil(t, body.Result)
	assert.NotEmpty(t, body.Result.Errors)
}

func TestApprovalDecisionOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	definition := pingDefinition(t,
		[]schema.Node{{ID: "gate", Kind: schema.NodeKindApproval, Data: map[string]any{
			"approvers": []any{"alice"},
		}}},
		[]schema.Edge{{Source: "ping", Target: "gate"}},
	)
	wfID := f.publishedWorkflow(t, definition)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ex := decode[store.Execution](t, rec)
	f.pool.Wait()

	ar, err := f.store.GetActiveApproval(context.Background(), ex.ID)
	require.NoError(t, err)

	// An outsider is rejected.
	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+ar.ID+"/decision", map[string]any{
		"approver_id": "mallory",
		"decision":    "approved",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/"+ar.ID+"/decision", map[string]any{
		"approver_id": "alice",
		"decision":    "approved",
		"comment":     "go",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decode[store.ApprovalRequest](t, rec)
	assert.Equal(t, schema.ApprovalStatusApproved, resolved.Status)

	rec = f.do(t, http.MethodGet, "/api/v1/executions/"+ex.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[store.Execution](t, rec)
	assert.Equal(t, schema.ExecutionStatusSuccess, got.Status)
}

func TestCancelConflictOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	wfID := f.publishedWorkflow(t, pingDefinition(t, nil, nil))

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+wfID+"/executions", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ex := decode[store.Execution](t, rec)
	f.pool.Wait()

	rec = f.do(t, http.MethodPost, "/api/v1/executions/"+ex.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, schema.ErrCodeState, body.Error.Code)
}

func TestNotFoundOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartExecutionUnpublishedWorkflow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"team_id": "team-1",
		"name":    "draft",
		"trigger": "manual",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decode[store.Workflow](t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/executions", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitApprovalValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/x/decision", map[string]any{
		"decision": "approved",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/x/decision", map[string]any{
		"approver_id": "alice",
		"decision":    "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditTrailOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	wfID := f.publishedWorkflow(t, pingDefinition(t, nil, nil))

	rec := f.do(t, http.MethodGet, "/api/v1/audit?resource_type=workflow&resource_id="+wfID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]store.AuditEntry](t, rec)
	assert.NotEmpty(t, entries)

	rec = f.do(t, http.MethodGet, "/api/v1/audit?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
