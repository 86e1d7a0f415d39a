package secrets

import "strings"

// MaskedValue replaces secret material in persisted snapshots.
const MaskedValue = "***"

// Masker rewrites values before they are persisted into NodeExecution
// input/output snapshots: declared secret variables are replaced by name,
// and any string containing a known secret value is redacted.
type Masker struct {
	secretNames  map[string]bool
	secretValues []string
}

// NewMasker builds a masker from the declared secret variable names and the
// resolved secret values in play for the current execution.
func NewMasker(names []string, values []string) *Masker {
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}
	// Drop empty values so masking never wipes whole strings.
	vals := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			vals = append(vals, v)
		}
	}
	return &Masker{secretNames: nameSet, secretValues: vals}
}

// MaskSnapshot deep-copies a context snapshot with secrets masked. Keys
// declared secret are fully replaced; other string values have embedded
// secret material redacted.
func (m *Masker) MaskSnapshot(snapshot map[string]any) map[string]any {
	if snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if m.secretNames[k] {
			out[k] = MaskedValue
			continue
		}
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *Masker) maskValue(v any) any {
	switch tv := v.(type) {
	case string:
		return m.maskString(tv)
	case map[string]any:
		return m.MaskSnapshot(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = m.maskValue(item)
		}
		return out
	default:
		return v
	}
}

func (m *Masker) maskString(s string) string {
	for _, secret := range m.secretValues {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, MaskedValue)
		}
	}
	return s
}
