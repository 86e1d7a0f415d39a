package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/gantry/internal/secrets"
	"github.com/rendis/gantry/pkg/schema"
)

// Interpolator resolves {{...}} references in node data against the
// execution context. Two-pass: the first pass resolves context variables
// (whose values may themselves carry secret references), the second resolves
// {{secrets.KEY}} via the vault.
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator with an optional Vault for secret
// resolution. A nil vault makes secret references fail at resolve time.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// ResolveData interpolates every string value in data, recursively. A string
// that is exactly one {{...}} token resolves to the referenced value with its
// type preserved; tokens embedded in longer strings are stringified in place.
func (interp *Interpolator) ResolveData(ctx context.Context, data map[string]any, execContext map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		resolved, err := interp.resolveValue(ctx, v, execContext)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (interp *Interpolator) resolveValue(ctx context.Context, v any, execContext map[string]any) (any, error) {
	switch tv := v.(type) {
	case string:
		return interp.resolveString(ctx, tv, execContext)
	case map[string]any:
		return interp.ResolveData(ctx, tv, execContext)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			resolved, err := interp.resolveValue(ctx, item, execContext)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString interpolates a single string, returning the resolved value.
// A string that is exactly one token keeps the referenced value's type.
func (interp *Interpolator) ResolveString(ctx context.Context, s string, execContext map[string]any) (any, error) {
	return interp.resolveString(ctx, s, execContext)
}

// resolveString runs both passes over a single string value.
func (interp *Interpolator) resolveString(ctx context.Context, s string, execContext map[string]any) (any, error) {
	resolved, err := interp.resolvePass(ctx, s, execContext, false)
	if err != nil {
		return nil, err
	}
	// Pass 1 may return a typed value for a whole-token string; only strings
	// can still carry secret references.
	if str, ok := resolved.(string); ok {
		return interp.resolvePass(ctx, str, execContext, true)
	}
	return resolved, nil
}

// resolvePass scans for {{...}} tokens and resolves them. When secretPass is
// false it resolves context references and leaves secrets untouched; when
// true it resolves only secrets.* references.
func (interp *Interpolator) resolvePass(ctx context.Context, input string, execContext map[string]any, secretPass bool) (any, error) {
	idx := strings.Index(input, "{{")
	if idx == -1 {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))
	wholeToken := true

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			if input[i:] != "" {
				wholeToken = false
			}
			result.WriteString(input[i:])
			break
		}
		if idx > 0 {
			wholeToken = false
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ expression")
		}
		end += start

		token := strings.TrimSpace(input[start:end])
		if token == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: {{ }}")
		}
		if strings.Contains(token, "{{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}

		isSecret := strings.HasPrefix(token, "secrets.")
		if secretPass != isSecret {
			// Not this pass's concern; write the token back unchanged.
			result.WriteString(input[i+idx : end+2])
			i = end + 2
			continue
		}

		val, err := interp.resolveToken(ctx, token, execContext)
		if err != nil {
			return nil, err
		}

		// A string that is exactly one token keeps the resolved value's type.
		if wholeToken && end+2 == len(input) && result.Len() == 0 {
			return val, nil
		}

		result.WriteString(stringifyInline(val))
		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolveToken(ctx context.Context, token string, execContext map[string]any) (any, error) {
	if key, ok := strings.CutPrefix(token, "secrets."); ok {
		return interp.resolveSecret(ctx, key, token)
	}
	return resolveContextPath(execContext, token)
}

func (interp *Interpolator) resolveSecret(ctx context.Context, key, token string) (any, error) {
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid secret reference %q: expected secrets.<KEY>", token)
	}
	if interp.vault == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"failed to resolve secret %q", key).WithCause(err)
	}
	return string(val), nil
}

// resolveContextPath navigates into the execution context using a
// dot-delimited path. A direct key match wins over traversal, so context
// keys containing dots remain addressable.
func resolveContextPath(execContext map[string]any, path string) (any, error) {
	if execContext == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve {{%s}}: execution context is empty", path)
	}
	if val, ok := execContext[path]; ok {
		return val, nil
	}

	segments := strings.Split(path, ".")
	var current any = execContext
	for _, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in {{%s}}", path)
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in {{%s}}", seg, path)
		}
		val, ok := obj[seg]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"variable %q not found in {{%s}}; available: [%s]",
				seg, path, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": path, "available": available})
		}
		current = val
	}
	return current, nil
}

// stringifyInline renders a resolved value for embedding inside a larger
// string.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
