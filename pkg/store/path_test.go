package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithin_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveWithin(root, "../escape.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PATH_TRAVERSAL")

	_, err = ResolveWithin(root, "/etc/passwd")
	require.Error(t, err)
}

func TestResolveWithin_AllowsNested(t *testing.T) {
	root := t.TempDir()
	resolved, err := ResolveWithin(root, filepath.Join("wave-1", "p1.md"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "wave-1", "p1.md"), resolved)
}

func TestResolveWithin_DefeatsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "run_root")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	linkPath := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, linkPath))

	_, err := ResolveWithin(root, filepath.Join("escape", "secret.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PATH_TRAVERSAL")
}

func TestIsPathSafe(t *testing.T) {
	assert.True(t, IsPathSafe("wave-1/plan.json"))
	assert.False(t, IsPathSafe("../plan.json"))
	assert.False(t, IsPathSafe("/abs/plan.json"))
}
