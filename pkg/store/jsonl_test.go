package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ticks.jsonl")

	require.NoError(t, AppendJSONL(path, map[string]any{"tick_index": 1}))
	require.NoError(t, AppendJSONL(path, map[string]any{"tick_index": 2}))

	var indices []int
	err := ReadJSONL(path, func(line []byte) error {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		indices = append(indices, int(rec["tick_index"].(float64)))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, indices)

	count, err := CountJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReadJSONL_MissingFileIsEmpty(t *testing.T) {
	count, err := CountJSONL(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
