package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_SemanticEquality(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2.0, "nested": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"a": 2, "nested": map[string]any{"x": 2, "y": 1.0}, "b": 1}

	da, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)

	assert.Equal(t, da, db, "semantically equal documents with different key order / number representation must digest identically")
	assert.Contains(t, da, "sha256:")
}

func TestDigest_DifferentValuesDiffer(t *testing.T) {
	da, err := Digest(map[string]any{"a": 1})
	require.NoError(t, err)
	db, err := Digest(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestCanonicalJSON_ArrayOrderPreserved(t *testing.T) {
	out1, err := CanonicalJSON([]any{1, 2, 3})
	require.NoError(t, err)
	out2, err := CanonicalJSON([]any{3, 2, 1})
	require.NoError(t, err)
	assert.NotEqual(t, string(out1), string(out2), "array element order is significant and must not be sorted")
}
