package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

func TestFixtureDriver_Dispatch(t *testing.T) {
	dir := t.TempDir()
	fixtureYAML := `
schema_version: fixture.v1
entries:
  - perspective_id: persp-1
    markdown: "# Findings"
    agent_run_id: fixture-run-1
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wave1.yaml"), []byte(fixtureYAML), 0o644))

	d := &FixtureDriver{FixturesDir: dir}
	req := DispatchRequest{
		Stage: "wave1",
		Plan: manifest.WavePlan{
			Entries: []manifest.WavePlanEntry{{PerspectiveID: "persp-1", PromptMD: "prompt"}},
		},
	}
	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "# Findings", result.Outputs[0].Markdown)
	assert.Equal(t, "fixture-run-1", result.Outputs[0].AgentRunID)
}

func TestFixtureDriver_MissingEntryErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wave1.yaml"), []byte("schema_version: fixture.v1\nentries: []\n"), 0o644))

	d := &FixtureDriver{FixturesDir: dir}
	req := DispatchRequest{
		Stage: "wave1",
		Plan:  manifest.WavePlan{Entries: []manifest.WavePlanEntry{{PerspectiveID: "persp-1"}}},
	}
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
}

func TestTaskDriver_WritesPromptsAndReportsRunAgentRequired(t *testing.T) {
	runRoot := t.TempDir()
	d := &TaskDriver{}
	req := DispatchRequest{
		RunRoot: runRoot,
		Stage:   "wave1",
		Plan: manifest.WavePlan{
			Entries: []manifest.WavePlanEntry{
				{PerspectiveID: "persp-1", PromptMD: "do research"},
				{PerspectiveID: "persp-2", PromptMD: "do more research"},
			},
		},
	}

	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, coreerr.RunAgentRequired, coreerr.CodeOf(err))

	var ce *coreerr.CoreError
	require.ErrorAs(t, err, &ce)
	missing := ce.Details["missing_perspectives"].([]MissingPerspective)
	require.Len(t, missing, 2)
	var ids []string
	for _, mp := range missing {
		ids = append(ids, mp.PerspectiveID)
		assert.NotEmpty(t, mp.PromptPath)
		assert.NotEmpty(t, mp.OutputPath)
		assert.NotEmpty(t, mp.MetaPath)
		assert.NotEmpty(t, mp.PromptDigest)
	}
	assert.ElementsMatch(t, []string{"persp-1", "persp-2"}, ids)

	assert.FileExists(t, filepath.Join(runRoot, "operator", "prompts", "wave1", "persp-1.md"))
	assert.FileExists(t, filepath.Join(runRoot, "operator", "prompts", "wave1", "persp-2.md"))
}

func TestTaskDriver_DispatchWithProbe_SkipsIngested(t *testing.T) {
	runRoot := t.TempDir()
	d := &TaskDriver{}
	req := DispatchRequest{
		RunRoot: runRoot,
		Stage:   "wave1",
		Plan: manifest.WavePlan{
			Entries: []manifest.WavePlanEntry{
				{PerspectiveID: "persp-1", PromptMD: "do research"},
			},
		},
	}

	result, err := d.DispatchWithProbe(context.Background(), req, func(stage, perspectiveID string) bool {
		return true
	})
	require.NoError(t, err)
	assert.Empty(t, result.Outputs)
	assert.NoFileExists(t, filepath.Join(runRoot, "operator", "prompts", "wave1", "persp-1.md"))
}
