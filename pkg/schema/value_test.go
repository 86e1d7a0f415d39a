package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeValue(t *testing.T) {
	v, err := NormalizeValue(int64(42))
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	v, err = NormalizeValue(map[string]any{
		"found": true,
		"count": 3,
		"items": []any{"a", 1},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"found": true,
		"count": float64(3),
		"items": []any{"a", float64(1)},
	}, v)

	v, err = NormalizeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNormalizeValue_RejectsNonJSON(t *testing.T) {
	_, err := NormalizeValue(make(chan int))
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))

	_, err = NormalizeValue(map[string]any{"ok": true, "bad": func() {}})
	require.Error(t, err)
}

func TestNormalizeMap_NilIsEmpty(t *testing.T) {
	m, err := NormalizeMap(nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)
}
