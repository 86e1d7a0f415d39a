package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/gantry/pkg/schema"
)

// MigrationRunner is the external collaborator performing database migration
// operations. All side effects live behind this interface; the actions below
// only marshal parameters and map failures to EXECUTOR_ERROR.
type MigrationRunner interface {
	Discover(ctx context.Context, params map[string]any) (map[string]any, error)
	DryRun(ctx context.Context, params map[string]any) (map[string]any, error)
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
	Rollback(ctx context.Context, params map[string]any) (map[string]any, error)
	RunTests(ctx context.Context, params map[string]any) (map[string]any, error)
}

const migrationInputSchema = `{
  "type": "object",
  "properties": {
    "env": {"type": "string"},
    "database": {"type": "string"},
    "migrations": {"type": "array", "items": {"type": "string"}},
    "options": {"type": "object"}
  }
}`

type migrationOp func(ctx context.Context, params map[string]any) (map[string]any, error)

// migrationAction binds one migration operation name to its runner method.
type migrationAction struct {
	name        string
	description string
	op          migrationOp
}

func (a *migrationAction) Name() string { return a.name }

func (a *migrationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: a.description,
		InputSchema: json.RawMessage(migrationInputSchema),
	}
}

func (a *migrationAction) Validate(params map[string]any) error {
	if raw, ok := params["migrations"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"%s: 'migrations' must be an array of ids", a.name)
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s: 'migrations' must be an array of ids", a.name)
			}
		}
	}
	return nil
}

func (a *migrationAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	out, err := a.op(ctx, params)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s failed: %s", a.name, err.Error()).
			WithCause(err)
	}
	return &ActionOutput{Data: out}, nil
}

// RegisterMigrationActions wires the migration-ops family onto a registry,
// all delegating to the given runner.
func RegisterMigrationActions(r *Registry, runner MigrationRunner) error {
	if runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "migration runner is nil")
	}
	family := []*migrationAction{
		{"migrations.discover", "List pending migrations for a target database.", runner.Discover},
		{"migrations.dry_run", "Plan the pending migrations without applying them.", runner.DryRun},
		{"migrations.execute", "Apply the pending migrations.", runner.Execute},
		{"migrations.rollback", "Roll back the most recently applied migrations.", runner.Rollback},
		{"migrations.run_tests", "Run the post-migration verification suite.", runner.RunTests},
	}
	for _, a := range family {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
