package workflows

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/internal/audit"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/internal/validation"
	"github.com/rendis/gantry/pkg/schema"
)

type knownActions map[string]bool

func (k knownActions) Has(name string) bool { return k[name] }

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	validator, err := validation.NewDefinitionValidator(knownActions{
		"migrations.discover": true,
		"migrations.execute":  true,
	})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(Config{
		Store:     st,
		Validator: validator,
		Audit:     audit.NewRecorder(st, logger),
		Logger:    logger,
		Now:       func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	return svc, st
}

func validDefinition(t *testing.T) []byte {
	t.Helper()
	def := &schema.Definition{
		Name:    "migration rollout",
		Trigger: schema.TriggerManual,
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, Data: map[string]any{}},
			{ID: "discover", Kind: schema.NodeKindAction, Data: map[string]any{
				"action": "migrations.discover",
			}},
		},
		Edges: []schema.Edge{{Source: "start", Target: "discover"}},
	}
	content, err := def.Serialize()
	require.NoError(t, err)
	return content
}

func TestCreateWorkflow(t *testing.T) {
	svc, _ := newService(t)

	wf, err := svc.CreateWorkflow(context.Background(), CreateWorkflowInput{
		TeamID:  "team-1",
		Name:    "db rollout",
		Trigger: schema.TriggerManual,
		Tags:    []string{"db"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, wf.ID)
	assert.False(t, wf.IsPublished)
	assert.Equal(t, 0, wf.Version)
}

func TestCreateWorkflowRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{Trigger: schema.TriggerManual})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = svc.CreateWorkflow(ctx, CreateWorkflowInput{Name: "x", Trigger: "rsvp"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestSaveDefinitionBumpsVersion(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		TeamID: "team-1", Name: "db rollout", Trigger: schema.TriggerManual,
	})
	require.NoError(t, err)

	row, result, err := svc.SaveDefinition(ctx, wf.ID, validDefinition(t))
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, 1, row.Version)

	row2, _, err := svc.SaveDefinition(ctx, wf.ID, validDefinition(t))
	require.NoError(t, err)
	assert.Equal(t, 2, row2.Version)
	assert.NotEqual(t, row.ID, row2.ID)

	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, row2.ID, got.DefinitionID)
	assert.Equal(t, 2, got.Version)

	// Both versions remain readable.
	versions, err := svc.ListVersions(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestSaveDefinitionRejectsInvalidGraph(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		TeamID: "team-1", Name: "db rollout", Trigger: schema.TriggerManual,
	})
	require.NoError(t, err)

	def := &schema.Definition{
		Name:    "broken",
		Trigger: schema.TriggerManual,
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, Data: map[string]any{}},
			{ID: "step", Kind: schema.NodeKindAction, Data: map[string]any{
				"action": "unregistered.action",
			}},
		},
		Edges: []schema.Edge{{Source: "start", Target: "step"}},
	}
	content, err := def.Serialize()
	require.NoError(t, err)

	_, result, err := svc.SaveDefinition(ctx, wf.ID, content)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Valid())

	// Nothing was applied.
	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, got.DefinitionID)
	assert.Equal(t, 0, got.Version)
}

func TestSaveDefinitionRejectsMalformedContent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		TeamID: "team-1", Name: "db rollout", Trigger: schema.TriggerManual,
	})
	require.NoError(t, err)

	_, _, err = svc.SaveDefinition(ctx, wf.ID, []byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeParse, schema.CodeOf(err))
}

func TestSaveDefinitionRejectsTriggerMismatch(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		TeamID:        "team-1",
		Name:          "nightly",
		Trigger:       schema.TriggerScheduled,
		TriggerConfig: json.RawMessage(`{"cron":"0 3 * * *"}`),
	})
	require.NoError(t, err)

	_, _, err = svc.SaveDefinition(ctx, wf.ID, validDefinition(t))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestPublishLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	wf, err := svc.CreateWorkflow(ctx, CreateWorkflowInput{
		TeamID: "team-1", Name: "db rollout", Trigger: schema.TriggerManual,
	})
	require.NoError(t, err)

	// Publishing before any definition exists is a state error.
	_, err = svc.Publish(ctx, wf.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeState, schema.CodeOf(err))

	_, _, err = svc.SaveDefinition(ctx, wf.ID, validDefinition(t))
	require.NoError(t, err)

	published, err := svc.Publish(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublished)

	// Publish is idempotent.
	published, err = svc.Publish(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublished)

	unpublished, err := svc.Unpublish(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, unpublished.IsPublished)
}
