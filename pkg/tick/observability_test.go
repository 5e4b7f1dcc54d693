package tick

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTickIndex_StartsAtOneAndIncrements(t *testing.T) {
	runRoot := t.TempDir()

	idx, err := nextTickIndex(runRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	require.NoError(t, appendTickStart(runRoot, 1, "init", 1, "scheduled"))
	require.NoError(t, appendTickFinish(runRoot, 1, "init", 1, "advanced", "", false))

	idx, err = nextTickIndex(runRoot)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestStageAttempt_CountsPriorStarts(t *testing.T) {
	runRoot := t.TempDir()

	attempt, err := stageAttempt(runRoot, "wave1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	require.NoError(t, appendTickStart(runRoot, 1, "wave1", 1, "scheduled"))
	require.NoError(t, appendTickStart(runRoot, 2, "wave1", 2, "scheduled"))

	attempt, err = stageAttempt(runRoot, "wave1")
	require.NoError(t, err)
	assert.Equal(t, 3, attempt)

	// A different stage's starts don't count toward this one.
	attempt, err = stageAttempt(runRoot, "pivot")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)
}

func TestRefreshRunMetrics_SkipSafeWhenTelemetryUnchanged(t *testing.T) {
	runRoot := t.TempDir()
	require.NoError(t, appendTelemetry(runRoot, "stage_started", "init", 1, 1, "sha256:abc"))

	result, err := refreshRunMetrics(runRoot, "init")
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	result, err = refreshRunMetrics(runRoot, "init")
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	require.NoError(t, appendTelemetry(runRoot, "stage_started", "perspectives", 2, 1, "sha256:def"))
	result, err = refreshRunMetrics(runRoot, "perspectives")
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestInputsDigest_IsStableForIdenticalInputs(t *testing.T) {
	d1, err := inputsDigest("run-1", "wave1", 2, 1, 3)
	require.NoError(t, err)
	d2, err := inputsDigest("run-1", "wave1", 2, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	d3, err := inputsDigest("run-1", "wave1", 2, 1, 4)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}
