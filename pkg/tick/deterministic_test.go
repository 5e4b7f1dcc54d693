package tick

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func TestTruncateBytes_BreaksOnWordBoundary(t *testing.T) {
	s := "the quick brown fox jumps over the lazy dog"
	out := truncateBytes(s, 12)
	assert.LessOrEqual(t, len(out), 14) // truncated text + " …"
	assert.True(t, len(out) < len(s))
}

func TestTruncateBytes_NoopUnderLimit(t *testing.T) {
	assert.Equal(t, "short", truncateBytes("short", 100))
	assert.Equal(t, "short", truncateBytes("short", 0))
}

func TestDispatchSummaries_TruncatesEachWaveTwoOutput(t *testing.T) {
	runRoot, m := newTestRun(t)
	m.Limits.MaxSummaryBytes = 10
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "wave-2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "wave-2", "standard-1.md"), []byte("this is a long perspective body"), 0o644))

	require.NoError(t, dispatchSummaries(runRoot, m))

	var doc summariesDoc
	require.NoError(t, store.ReadJSON(filepath.Join(runRoot, "summaries", "summaries.json"), &doc))
	require.Len(t, doc.Perspectives, 1)
	assert.Equal(t, "standard-1", doc.Perspectives[0].PerspectiveID)
	assert.LessOrEqual(t, len(doc.Perspectives[0].Summary), 13)
}

func TestDispatchSynthesis_GateEFailsOnUnvalidatedCitation(t *testing.T) {
	runRoot, m := newTestRun(t)
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "summaries", "summaries.json"), summariesDoc{
		SchemaVersion: "summaries.v1",
		Perspectives:  []perspectiveSummary{{PerspectiveID: "standard-1", Summary: "body"}},
	}))
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "citations", "citations.json"), citationsDoc{
		SchemaVersion: "citations.v1",
		Citations:     []citationRecord{{URL: "https://example.com/a", Validated: false}},
	}))

	gates, err := dispatchSynthesis(runRoot, m)
	require.NoError(t, err)
	assert.Equal(t, manifest.GateFail, gates.Get(manifest.GateE).Status)
	assert.FileExists(t, filepath.Join(runRoot, "synthesis", "report.md"))
}

func TestDispatchSynthesis_GateEPassesWithNoCitations(t *testing.T) {
	runRoot, m := newTestRun(t)
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "summaries", "summaries.json"), summariesDoc{
		SchemaVersion: "summaries.v1",
		Perspectives:  []perspectiveSummary{{PerspectiveID: "standard-1", Summary: "body"}},
	}))

	gates, err := dispatchSynthesis(runRoot, m)
	require.NoError(t, err)
	assert.Equal(t, manifest.GatePass, gates.Get(manifest.GateE).Status)
}

func TestDispatchReview_RegressesToWave2WhenGateDFlipped(t *testing.T) {
	runRoot, m := newTestRun(t)
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	gates.Set(manifest.GateD, manifest.Gate{Status: manifest.GateFail, CheckedAt: "now"})
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), gates))

	verdict, err := dispatchReview(runRoot, m)
	require.NoError(t, err)
	assert.Equal(t, stage.Wave2, verdict.RequestedNext)
	assert.Equal(t, manifest.GatePending, verdict.Gates.Get(manifest.GateD).Status)
}

func TestDispatchReview_RegressionSupersedesPriorWaveTwoArtifacts(t *testing.T) {
	runRoot, m := newTestRun(t)
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "wave-2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "wave-2", "standard-1.md"), []byte("stale body"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "wave-2", "standard-1.meta.json"), []byte(`{}`), 0o644))

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	gates.Set(manifest.GateD, manifest.Gate{Status: manifest.GateFail, CheckedAt: "now"})
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), gates))

	_, err = dispatchReview(runRoot, m)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(runRoot, "wave-2", "standard-1.md"))
	assert.NoFileExists(t, filepath.Join(runRoot, "wave-2", "standard-1.meta.json"))

	supersededRoot := filepath.Join(runRoot, "wave-2", ".superseded")
	batches, err := os.ReadDir(supersededRoot)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	moved, err := os.ReadDir(filepath.Join(supersededRoot, batches[0].Name()))
	require.NoError(t, err)
	assert.Len(t, moved, 2)
}

func TestSupersedeWave2Artifacts_NoopWhenDirAbsent(t *testing.T) {
	runRoot := t.TempDir()
	assert.NoError(t, supersedeWave2Artifacts(runRoot))
}

func TestDispatchReview_AdvancesToFinalizeWhenGateEPassesAndBudgetRemains(t *testing.T) {
	runRoot, m := newTestRun(t)
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	gates.Set(manifest.GateD, manifest.Gate{Status: manifest.GatePass, CheckedAt: "now"})
	gates.Set(manifest.GateE, manifest.Gate{Status: manifest.GatePass, CheckedAt: "now"})
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), gates))

	verdict, err := dispatchReview(runRoot, m)
	require.NoError(t, err)
	assert.Equal(t, stage.Finalize, verdict.RequestedNext)
	assert.Equal(t, manifest.GatePass, verdict.Gates.Get(manifest.GateF).Status)
}

func TestDispatchReview_FailsGateFWhenIterationsExhausted(t *testing.T) {
	runRoot, m := newTestRun(t)
	m.Limits.MaxReviewIterations = 1
	m.Stage.History = []manifest.StageTransition{
		{From: "synthesis", To: "review", At: "t1"},
	}
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	gates.Set(manifest.GateD, manifest.Gate{Status: manifest.GatePass, CheckedAt: "now"})
	gates.Set(manifest.GateE, manifest.Gate{Status: manifest.GatePass, CheckedAt: "now"})
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), gates))

	verdict, err := dispatchReview(runRoot, m)
	require.NoError(t, err)
	assert.Equal(t, manifest.GateFail, verdict.Gates.Get(manifest.GateF).Status)
}

func TestDispatchFinalize_CopiesSynthesisReportToFinal(t *testing.T) {
	runRoot := t.TempDir()
	require.NoError(t, store.WriteFileAtomic(filepath.Join(runRoot, "synthesis", "report.md"), []byte("# Report\n"), 0o644))

	require.NoError(t, dispatchFinalize(runRoot))

	raw, err := os.ReadFile(filepath.Join(runRoot, "final", "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", string(raw))
}
