package ops

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func TestValidateRunID(t *testing.T) {
	assert.NoError(t, ValidateRunID("run-1"))
	assert.NoError(t, ValidateRunID("r1.2_3"))
	assert.Error(t, ValidateRunID("../escape"))
	assert.Error(t, ValidateRunID(""))
	assert.Error(t, ValidateRunID("has/slash"))
}

func writeInitFixture(t *testing.T, runRoot string) {
	t.Helper()
	fx := `schema_version: fixture.v1
entries:
  - perspective_id: standard-1
    markdown: '{"id":"standard-1","title":"Model accuracy","track":"standard","agent_type":"research","questions":["q1"],"prompt_contract":{"max_words":800,"max_sources":5,"tool_budget":3}}'
  - perspective_id: standard-2
    markdown: '{"id":"standard-2","title":"Privacy guarantees","track":"standard","agent_type":"research","questions":["q2"],"prompt_contract":{"max_words":800,"max_sources":5,"tool_budget":3}}'
  - perspective_id: independent-1
    markdown: '{"id":"independent-1","title":"Deployment cost","track":"independent","agent_type":"research","questions":["q3"],"prompt_contract":{"max_words":800,"max_sources":5,"tool_budget":3}}'
  - perspective_id: contrarian-1
    markdown: '{"id":"contrarian-1","title":"Centralization risk","track":"contrarian","agent_type":"research","questions":["q4"],"prompt_contract":{"max_words":800,"max_sources":5,"tool_budget":3}}'
`
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "fixtures"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "fixtures", "init.yaml"), []byte(fx), 0o644))
}

func TestInit_WithWritePerspectives_ReachesWave1(t *testing.T) {
	runsRoot := t.TempDir()
	runRoot := filepath.Join(runsRoot, "r1")
	require.NoError(t, os.MkdirAll(runRoot, 0o755))
	writeInitFixture(t, runRoot)

	fx := &driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}
	result, err := Init(context.Background(), InitRequest{
		RunID:             "r1",
		RunsRoot:          runsRoot,
		QueryText:         "benefits of federated learning",
		Sensitivity:       manifest.SensitivityNormal,
		WritePerspectives: true,
		Drivers:           SingleDriver{D: fx},
		Policy:            policy.Defaults(),
	})
	require.NoError(t, err)
	assert.Equal(t, string(stage.Wave1), result.Stage)

	loaded, err := manifest.Read(manifest.Path(runRoot))
	require.NoError(t, err)
	assert.Equal(t, string(stage.Wave1), loaded.Manifest.Stage.Current)

	var plan manifest.WavePlan
	require.NoError(t, store.ReadJSON(filepath.Join(runRoot, "wave-1", "wave1-plan.json"), &plan))
	assert.Len(t, plan.Entries, 4)
}

func TestInit_RejectsUnsafeRunID(t *testing.T) {
	_, err := Init(context.Background(), InitRequest{RunID: "../escape", RunsRoot: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, coreerr.InvalidArgs, coreerr.CodeOf(err))
}

func TestStatusAndInspect_OnFreshRun(t *testing.T) {
	runRoot := t.TempDir()
	m, err := manifest.New("r1", runRoot, "q", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, manifest.Create(manifest.Path(runRoot), m))
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()))

	st, err := Status(runRoot)
	require.NoError(t, err)
	assert.Equal(t, "init", st.Manifest.Stage.Current)

	insp, err := Inspect(runRoot)
	require.NoError(t, err)
	assert.Equal(t, stage.Init, insp.NextTransition.From)
	assert.False(t, insp.NextTransition.Allowed)
}

func TestPauseResumeCancel_WriteCheckpointsAndStatus(t *testing.T) {
	runRoot := t.TempDir()
	m, err := manifest.New("r1", runRoot, "q", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, manifest.Create(manifest.Path(runRoot), m))
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()))

	require.NoError(t, Pause(runRoot, "operator break"))
	st, err := Status(runRoot)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPaused, st.Manifest.Status)
	assert.FileExists(t, filepath.Join(runRoot, "logs", "pause-checkpoint.md"))

	require.NoError(t, Resume(runRoot, "back online"))
	st, err = Status(runRoot)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRunning, st.Manifest.Status)

	require.NoError(t, Cancel(runRoot, "abandoned"))
	st, err = Status(runRoot)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusCancelled, st.Manifest.Status)
}

func TestTriage_WithNoHaltArtifact_StillEvaluatesDryRun(t *testing.T) {
	runRoot := t.TempDir()
	m, err := manifest.New("r1", runRoot, "q", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, manifest.Create(manifest.Path(runRoot), m))
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()))

	result, err := Triage(runRoot)
	require.NoError(t, err)
	assert.Nil(t, result.Latest)
	assert.Equal(t, stage.Init, result.NextTransition.From)
}
