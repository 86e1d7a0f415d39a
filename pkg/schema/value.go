package schema

import (
	"encoding/json"
	"fmt"
)

// NormalizeValue coerces v into the JSON-like value domain the execution
// context accepts: nil, bool, float64, string, []any, map[string]any.
// Integer kinds are widened to float64; anything outside the domain
// (channels, funcs, arbitrary structs without JSON representation) is a
// VALIDATION_ERROR. This keeps the opaque-text encoding a storage concern
// while the core works with structured values.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "invalid numeric value %q", t.String()).WithCause(err)
		}
		return f, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			norm, err := NormalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = norm
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			norm, err := NormalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = norm
		}
		return out, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "value of type %T is not a JSON-like context value", v).
			WithDetails(map[string]any{"go_type": fmt.Sprintf("%T", v)})
	}
}

// NormalizeMap normalizes every value of m. A nil map normalizes to an empty map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		norm, err := NormalizeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = norm
	}
	return out, nil
}
