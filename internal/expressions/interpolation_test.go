package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

func testVault(t *testing.T, kv map[string]string) secrets.Vault {
	t.Helper()
	v := secrets.NewStoreVault(store.NewMemoryStore())
	for k, val := range kv {
		require.NoError(t, v.Store(context.Background(), k, []byte(val)))
	}
	return v
}

func TestResolveDataWholeTokenPreservesType(t *testing.T) {
	interp := NewInterpolator(nil)
	execContext := map[string]any{
		"count":   float64(4),
		"flag":    true,
		"plan":    map[string]any{"steps": []any{"a", "b"}},
		"nothing": nil,
	}

	out, err := interp.ResolveData(context.Background(), map[string]any{
		"n": "{{count}}",
		"b": "{{flag}}",
		"o": "{{plan}}",
		"s": "{{plan.steps}}",
	}, execContext)
	require.NoError(t, err)

	assert.Equal(t, float64(4), out["n"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, map[string]any{"steps": []any{"a", "b"}}, out["o"])
	assert.Equal(t, []any{"a", "b"}, out["s"])
}

func TestResolveDataEmbeddedTokensStringify(t *testing.T) {
	interp := NewInterpolator(nil)
	execContext := map[string]any{"env": "staging", "count": float64(3)}

	out, err := interp.ResolveData(context.Background(), map[string]any{
		"msg": "found {{count}} migrations in {{env}}",
	}, execContext)
	require.NoError(t, err)
	assert.Equal(t, "found 3 migrations in staging", out["msg"])
}

func TestResolveDataNestedStructures(t *testing.T) {
	interp := NewInterpolator(nil)
	execContext := map[string]any{"env": "prod"}

	out, err := interp.ResolveData(context.Background(), map[string]any{
		"params": map[string]any{
			"targets": []any{"{{env}}", "static"},
		},
	}, execContext)
	require.NoError(t, err)
	params := out["params"].(map[string]any)
	assert.Equal(t, []any{"prod", "static"}, params["targets"])
}

func TestResolveDataSecretsSecondPass(t *testing.T) {
	vault := testVault(t, map[string]string{"DB_PASSWORD": "hunter2"})
	interp := NewInterpolator(vault)
	execContext := map[string]any{
		// Context value carrying a secret reference, resolved by pass 2.
		"dsn_template": "postgres://admin:{{secrets.DB_PASSWORD}}@db/app",
	}

	out, err := interp.ResolveData(context.Background(), map[string]any{
		"dsn":   "{{dsn_template}}",
		"token": "{{secrets.DB_PASSWORD}}",
	}, execContext)
	require.NoError(t, err)
	assert.Equal(t, "postgres://admin:hunter2@db/app", out["dsn"])
	assert.Equal(t, "hunter2", out["token"])
}

func TestResolveDataErrors(t *testing.T) {
	interp := NewInterpolator(nil)
	execContext := map[string]any{"env": "staging"}

	tests := []struct {
		name  string
		value string
	}{
		{"unclosed token", "{{env"},
		{"empty token", "{{  }}"},
		{"nested token", "{{a {{b}} }}"},
		{"missing variable", "{{region}}"},
		{"traverse into scalar", "{{env.sub}}"},
		{"secret without vault", "{{secrets.X}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interp.ResolveData(context.Background(),
				map[string]any{"v": tt.value}, execContext)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err))
		})
	}
}

func TestResolveDataDirectKeyWithDots(t *testing.T) {
	interp := NewInterpolator(nil)
	execContext := map[string]any{"service.name": "gantry"}

	out, err := interp.ResolveData(context.Background(),
		map[string]any{"v": "{{service.name}}"}, execContext)
	require.NoError(t, err)
	assert.Equal(t, "gantry", out["v"])
}

func TestResolveDataMissingSecret(t *testing.T) {
	vault := testVault(t, nil)
	interp := NewInterpolator(vault)

	_, err := interp.ResolveData(context.Background(),
		map[string]any{"v": "{{secrets.NOPE}}"}, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(err))
}

func TestResolveDataNil(t *testing.T) {
	interp := NewInterpolator(nil)
	out, err := interp.ResolveData(context.Background(), nil, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
