package tick

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func testManifest(stageStartedAt string) *manifest.Manifest {
	return &manifest.Manifest{
		Stage: manifest.StageState{Current: "wave1", StartedAt: stageStartedAt},
	}
}

func TestCheckWatchdog_FixtureDriverNeverTrips(t *testing.T) {
	runRoot := t.TempDir()
	m := testManifest(time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339Nano))
	err := checkWatchdog(runRoot, m, "fixture", 60, 5)
	require.NoError(t, err)
}

func TestCheckWatchdog_LiveDriverTripsOnStageTimeout(t *testing.T) {
	runRoot := t.TempDir()
	m := testManifest(time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339Nano))

	err := checkWatchdog(runRoot, m, "live", 60, 5)
	require.Error(t, err)
	assert.Equal(t, coreerr.WatchdogTimeout, coreerr.CodeOf(err))

	var ckpt timeoutCheckpoint
	require.NoError(t, store.ReadJSON(timeoutCheckpointPath(runRoot), &ckpt))
	assert.Equal(t, "timeout_checkpoint.v1", ckpt.SchemaVersion)
	assert.Equal(t, "wave1", ckpt.Stage)
}

func TestCheckWatchdog_StaleTickMarkerIsNonRetryable(t *testing.T) {
	runRoot := t.TempDir()
	m := testManifest(time.Now().UTC().Format(time.RFC3339Nano))

	marker := tickInProgressMarker{
		TickIndex: 3, Stage: "wave1",
		StartedAt: time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339Nano),
	}
	require.NoError(t, store.WriteJSONAtomic(filepath.Join(runRoot, "logs", "tick-in-progress.json"), marker))

	err := checkWatchdog(runRoot, m, "task", 3600, 5)
	require.Error(t, err)
	assert.Equal(t, coreerr.PreviousTickIncomplete, coreerr.CodeOf(err))
	assert.False(t, coreerr.Retryable(coreerr.CodeOf(err)))
}

func TestWriteAndRemoveTickInProgress(t *testing.T) {
	runRoot := t.TempDir()
	require.NoError(t, writeTickInProgress(runRoot, 1, "init"))
	assert.FileExists(t, tickInProgressPath(runRoot))
	require.NoError(t, removeTickInProgress(runRoot))
	assert.NoFileExists(t, tickInProgressPath(runRoot))

	// Removing an already-absent marker is not an error.
	require.NoError(t, removeTickInProgress(runRoot))
}
