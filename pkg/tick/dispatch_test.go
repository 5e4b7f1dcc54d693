package tick

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/ingest"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func newTestRun(t *testing.T) (string, *manifest.Manifest) {
	t.Helper()
	runRoot := t.TempDir()
	m, err := manifest.New("run-1", runRoot, "benefits of federated learning", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	require.NoError(t, manifest.Create(manifest.Path(runRoot), m))
	require.NoError(t, manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()))
	return runRoot, m
}

func candidateJSON(t *testing.T, id string, track manifest.Track, title string) string {
	t.Helper()
	c := manifest.Perspective{
		ID:        id,
		Title:     title,
		Track:     track,
		AgentType: "research",
		Questions: []string{"what is " + title + "?"},
		PromptContract: manifest.PromptContract{
			MaxWords: 800, MaxSources: 5, ToolBudget: 3,
		},
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	return string(raw)
}

func writeInitFixture(t *testing.T, runRoot string) {
	t.Helper()
	fx := `schema_version: fixture.v1
entries:
  - perspective_id: standard-1
    markdown: ` + "'" + escapeYAMLSingle(candidateJSON(t, "standard-1", manifest.TrackStandard, "Model accuracy")) + "'" + `
  - perspective_id: standard-2
    markdown: ` + "'" + escapeYAMLSingle(candidateJSON(t, "standard-2", manifest.TrackStandard, "Privacy guarantees")) + "'" + `
  - perspective_id: independent-1
    markdown: ` + "'" + escapeYAMLSingle(candidateJSON(t, "independent-1", manifest.TrackIndependent, "Deployment cost")) + "'" + `
  - perspective_id: contrarian-1
    markdown: ` + "'" + escapeYAMLSingle(candidateJSON(t, "contrarian-1", manifest.TrackContrarian, "Centralization risk")) + "'" + `
`
	require.NoError(t, os.MkdirAll(filepath.Join(runRoot, "fixtures"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "fixtures", "init.yaml"), []byte(fx), 0o644))
}

// escapeYAMLSingle doubles single quotes so a JSON string embeds safely
// inside a single-quoted YAML scalar.
func escapeYAMLSingle(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func TestDispatchInit_MergesCandidatesAndSetsGateA(t *testing.T) {
	runRoot, m := newTestRun(t)
	writeInitFixture(t, runRoot)
	fx := &driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}

	err := dispatchInit(context.Background(), runRoot, m, fx)
	require.NoError(t, err)

	var doc manifest.PerspectivesDoc
	require.NoError(t, store.ReadJSON(filepath.Join(runRoot, "perspectives.json"), &doc))
	require.Len(t, doc.Perspectives, 4)
	assert.Equal(t, manifest.TrackStandard, doc.Perspectives[0].Track)

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	assert.Equal(t, manifest.GatePass, gates.Get(manifest.GateA).Status)
}

func TestDispatchPerspectivesStage_RendersWave1PlanPinnedToDigest(t *testing.T) {
	runRoot, m := newTestRun(t)
	writeInitFixture(t, runRoot)
	fx := &driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}
	require.NoError(t, dispatchInit(context.Background(), runRoot, m, fx))

	require.NoError(t, dispatchPerspectivesStage(runRoot, m))

	plan, err := loadWavePlan(runRoot, "wave1")
	require.NoError(t, err)
	require.Len(t, plan.Entries, 4)
	assert.NotEmpty(t, plan.PerspectivesDigest)
	for _, e := range plan.Entries {
		assert.Contains(t, e.PromptMD, m.Query.Text)
	}
}

func TestDispatchWave1Next_DefaultsToPivotWithoutRetryDirectives(t *testing.T) {
	runRoot := t.TempDir()
	assert.Equal(t, "pivot", string(dispatchWave1Next(runRoot)))
}

func TestDispatchWave1Next_HonorsOpenRetryDirectives(t *testing.T) {
	runRoot := t.TempDir()
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "retry", "retry-directives.json"), map[string]any{"perspective_ids": []string{"standard-1"}}))
	assert.Equal(t, "wave1", string(dispatchWave1Next(runRoot)))
}

func TestConsumeWave1RetryDirectives_NoFileIsANoop(t *testing.T) {
	runRoot := t.TempDir()
	ids, err := consumeWave1RetryDirectives(runRoot)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestConsumeWave1RetryDirectives_StampsConsumedAtBeforeReturningIDs(t *testing.T) {
	runRoot := t.TempDir()
	path := retryDirectivesPath(runRoot)
	require.NoError(t, store.WriteJSONAtomic(path, manifest.RetryDirectives{
		SchemaVersion: "retry_directives.v1", PerspectiveIDs: []string{"standard-1"},
	}))

	ids, err := consumeWave1RetryDirectives(runRoot)
	require.NoError(t, err)
	assert.Equal(t, []string{"standard-1"}, ids)

	var onDisk manifest.RetryDirectives
	require.NoError(t, store.ReadJSON(path, &onDisk))
	assert.NotEmpty(t, onDisk.ConsumedAt)
}

func TestConsumeWave1RetryDirectives_ArchivesAlreadyConsumedDirective(t *testing.T) {
	runRoot := t.TempDir()
	path := retryDirectivesPath(runRoot)
	require.NoError(t, store.WriteJSONAtomic(path, manifest.RetryDirectives{
		SchemaVersion: "retry_directives.v1", PerspectiveIDs: []string{"standard-1"}, ConsumedAt: "2026-01-01T00:00:00Z",
	}))

	ids, err := consumeWave1RetryDirectives(runRoot)
	require.NoError(t, err)
	assert.Nil(t, ids)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "spent directive should be archived away")

	archived, err := os.ReadDir(filepath.Join(runRoot, "retry", "archive"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestFilterPlanByIDs_KeepsOnlyRequestedEntries(t *testing.T) {
	plan := manifest.WavePlan{
		Entries: []manifest.WavePlanEntry{
			{PerspectiveID: "a", PromptMD: "A"},
			{PerspectiveID: "b", PromptMD: "B"},
		},
		PerspectivesDigest: "sha256:pin",
	}
	filtered := filterPlanByIDs(plan, []string{"b"})
	require.Len(t, filtered.Entries, 1)
	assert.Equal(t, "b", filtered.Entries[0].PerspectiveID)
	assert.Equal(t, "sha256:pin", filtered.PerspectivesDigest)
}

func TestEvaluateGateB_FailsWhenAnEntryHasNoIngestedOutput(t *testing.T) {
	runRoot := t.TempDir()
	plan := manifest.WavePlan{Entries: []manifest.WavePlanEntry{{PerspectiveID: "standard-1", PromptMD: "prompt"}}}
	status, notes := evaluateGateB(runRoot, plan)
	assert.Equal(t, manifest.GateFail, status)
	assert.Contains(t, notes, "standard-1")
}

func TestEvaluateGateB_PassesWhenEveryEntryHasAFreshSidecar(t *testing.T) {
	runRoot := t.TempDir()
	plan := manifest.WavePlan{Entries: []manifest.WavePlanEntry{{PerspectiveID: "standard-1", PromptMD: "prompt"}}}
	meta := manifest.AgentOutputMeta{PromptDigest: ingest.PromptDigest("prompt")}
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "wave-1", "standard-1.meta.json"), meta))

	status, _ := evaluateGateB(runRoot, plan)
	assert.Equal(t, manifest.GatePass, status)
}

func TestDispatchWave1Stage_DispatchesPlanAndPassesGateB(t *testing.T) {
	runRoot, m := newTestRun(t)
	writeInitFixture(t, runRoot)
	fx := &driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}
	require.NoError(t, dispatchInit(context.Background(), runRoot, m, fx))
	require.NoError(t, dispatchPerspectivesStage(runRoot, m))

	plan, err := loadWavePlan(runRoot, "wave1")
	require.NoError(t, err)
	wave1Fixture := `schema_version: fixture.v1
entries:
`
	for _, e := range plan.Entries {
		wave1Fixture += "  - perspective_id: " + e.PerspectiveID + "\n    markdown: 'output for " + e.PerspectiveID + "'\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "fixtures", "wave1.yaml"), []byte(wave1Fixture), 0o644))

	next, err := dispatchWave1Stage(context.Background(), runRoot, fx)
	require.NoError(t, err)
	assert.Equal(t, stage.Pivot, next)

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	assert.Equal(t, manifest.GatePass, gates.Get(manifest.GateB).Status)

	for _, e := range plan.Entries {
		assert.FileExists(t, filepath.Join(runRoot, "wave-1", e.PerspectiveID+".md"))
	}
}

func TestDispatchWave1Stage_OnlyRedispatchesRetriedPerspectives(t *testing.T) {
	runRoot, m := newTestRun(t)
	writeInitFixture(t, runRoot)
	fx := &driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}
	require.NoError(t, dispatchInit(context.Background(), runRoot, m, fx))
	require.NoError(t, dispatchPerspectivesStage(runRoot, m))

	wave1Fixture := "schema_version: fixture.v1\nentries:\n  - perspective_id: standard-1\n    markdown: 'retried output'\n"
	require.NoError(t, os.WriteFile(filepath.Join(runRoot, "fixtures", "wave1.yaml"), []byte(wave1Fixture), 0o644))
	require.NoError(t, store.WriteJSONAtomic(retryDirectivesPath(runRoot), manifest.RetryDirectives{
		SchemaVersion: "retry_directives.v1", PerspectiveIDs: []string{"standard-1"},
	}))

	next, err := dispatchWave1Stage(context.Background(), runRoot, fx)
	require.NoError(t, err)
	assert.Equal(t, stage.Wave1, next, "an open retry directive should still route back into wave1")
	assert.FileExists(t, filepath.Join(runRoot, "wave-1", "standard-1.md"))

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	require.NoError(t, err)
	assert.Equal(t, manifest.GateFail, gates.Get(manifest.GateB).Status, "other plan entries still lack ingested output")
}

func TestExtractMarkdownLinks_FindsHTTPLinksOnly(t *testing.T) {
	md := "See [source](https://example.com/a) and [local](./b.md) and [bare](not-a-url)."
	links := extractMarkdownLinks(md)
	assert.Equal(t, []string{"https://example.com/a"}, links)
}

func TestDedupeOrdered_PreservesFirstOccurrenceOrder(t *testing.T) {
	out := dedupeOrdered([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"b", "a", "c"}, out)
}
