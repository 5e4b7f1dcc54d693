package stage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func newTestManifest(t *testing.T, current Name) (*manifest.Manifest, string) {
	t.Helper()
	runRoot := t.TempDir()
	m, err := manifest.New("run-1", runRoot, "q", manifest.SensitivityNormal, manifest.DefaultLimits())
	require.NoError(t, err)
	m.Stage.Current = string(current)
	return m, runRoot
}

func TestEvaluate_InfersCanonicalSingleEdge(t *testing.T) {
	m, runRoot := newTestManifest(t, Init)
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "perspectives.json"), map[string]any{"ok": true}))

	gates := manifest.NewGates()
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	d, err := Evaluate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Perspectives, d.To)
	assert.True(t, d.Allowed)
}

func TestEvaluate_ReviewRequiresRequestedNext(t *testing.T) {
	m, runRoot := newTestManifest(t, Review)
	gates := manifest.NewGates()
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	_, err := Evaluate(ctx, "")
	require.Error(t, err)
}

func TestAdvance_BlockedWhenArtifactMissing(t *testing.T) {
	m, runRoot := newTestManifest(t, Init)
	gates := manifest.NewGates()
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	decision, patch, err := Advance(ctx, Perspectives, "tick")
	require.Error(t, err)
	assert.Nil(t, patch)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Blockers(), 1)
	assert.Equal(t, "artifact", decision.Blockers()[0].Kind)
}

func TestAdvance_SucceedsAndProducesPatch(t *testing.T) {
	m, runRoot := newTestManifest(t, Init)
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "perspectives.json"), map[string]any{"ok": true}))
	gates := manifest.NewGates()
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	decision, patch, err := Advance(ctx, Perspectives, "tick")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, patch)

	stagePatch := patch["stage"].(map[string]any)
	assert.Equal(t, string(Perspectives), stagePatch["current"])
	history := stagePatch["history"].([]manifest.StageTransition)
	require.Len(t, history, 1)
	assert.Equal(t, string(Init), history[0].From)
	assert.Equal(t, string(Perspectives), history[0].To)
}

func TestAdvance_InitToWave1ShortcutRecordsFullHistory(t *testing.T) {
	m, runRoot := newTestManifest(t, Init)
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "perspectives.json"), map[string]any{"ok": true}))
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "wave-1", "wave1-plan.json"), map[string]any{"ok": true}))
	gates := manifest.NewGates()
	gates.Set(manifest.GateA, manifest.Gate{Status: manifest.GatePass})
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	decision, patch, err := Advance(ctx, Wave1, "init --write-perspectives")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	stagePatch := patch["stage"].(map[string]any)
	history := stagePatch["history"].([]manifest.StageTransition)
	require.Len(t, history, 2)
	assert.Equal(t, string(Init), history[0].From)
	assert.Equal(t, string(Perspectives), history[0].To)
	assert.Equal(t, string(Perspectives), history[1].From)
	assert.Equal(t, string(Wave1), history[1].To)
}

func TestAdvance_ReviewToFinalizeRequiresGateF(t *testing.T) {
	m, runRoot := newTestManifest(t, Review)
	gates := manifest.NewGates()
	gates.Set(manifest.GateE, manifest.Gate{Status: manifest.GatePass})
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	decision, _, err := Advance(ctx, Finalize, "final review")
	require.Error(t, err)
	assert.False(t, decision.Allowed)

	var sawGateF bool
	for _, r := range decision.Blockers() {
		if r.Kind == "gate" && r.Name == "F" {
			sawGateF = true
		}
	}
	assert.True(t, sawGateF, "Gate F must be an explicit blocker when missing")
}

func TestAdvance_Wave1SelfRetryRequiresDirectives(t *testing.T) {
	m, runRoot := newTestManifest(t, Wave1)
	gates := manifest.NewGates()
	ctx := Context{RunRoot: runRoot, Manifest: m, Gates: gates}

	_, _, err := Advance(ctx, Wave1, "retry")
	require.Error(t, err)

	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "retry", "retry-directives.json"), map[string]any{"directives": []any{}}))
	decision, patch, err := Advance(ctx, Wave1, "retry")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NotNil(t, patch)
}
