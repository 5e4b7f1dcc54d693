package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

func TestArtifactCheck_NonJSONArtifactOnlyRequiresExistence(t *testing.T) {
	runRoot := t.TempDir()
	ctx := Context{RunRoot: runRoot, Manifest: &manifest.Manifest{}, Gates: manifest.NewGates()}

	result := ArtifactCheck("synthesis/report.md").Evaluate(ctx)
	assert.False(t, result.OK)

	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "synthesis"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "synthesis", "report.md"), []byte("# Report\n"), 0o644))

	result = ArtifactCheck("synthesis/report.md").Evaluate(ctx)
	assert.True(t, result.OK)
}

func TestArtifactCheck_JSONArtifactMustParse(t *testing.T) {
	runRoot := t.TempDir()
	ctx := Context{RunRoot: runRoot, Manifest: &manifest.Manifest{}, Gates: manifest.NewGates()}

	require.NoError(t, os.MkdirAll(filepath.Join(runRoot), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "perspectives.json"), []byte("not json"), 0o644))

	result := ArtifactCheck("perspectives.json").Evaluate(ctx)
	assert.False(t, result.OK)
}
