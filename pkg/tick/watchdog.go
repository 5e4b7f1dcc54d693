package tick

import (
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

func tickInProgressPath(runRoot string) string {
	return filepath.Join(runRoot, "logs", "tick-in-progress.json")
}

func timeoutCheckpointPath(runRoot string) string {
	return filepath.Join(runRoot, "logs", "timeout-checkpoint.json")
}

type tickInProgressMarker struct {
	TickIndex int    `json:"tick_index"`
	Stage     string `json:"stage"`
	StartedAt string `json:"started_at"`
}

type timeoutCheckpoint struct {
	SchemaVersion  string  `json:"schema_version"`
	Stage          string  `json:"stage"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Ts             string  `json:"ts"`
}

// checkWatchdog implements spec.md §4.3 steps 1 and 8: live/task drivers
// only, checked before and after dispatch with identical semantics.
func checkWatchdog(runRoot string, m *manifest.Manifest, driverName string, timeoutSeconds int, staleMinutes int) error {
	if driverName != "live" && driverName != "task" {
		return nil
	}

	started, err := time.Parse(time.RFC3339Nano, m.Stage.StartedAt)
	if err == nil && timeoutSeconds > 0 {
		elapsed := time.Since(started)
		if elapsed > time.Duration(timeoutSeconds)*time.Second {
			watchdogTrips.WithLabelValues("stage_timeout").Inc()
			ckpt := timeoutCheckpoint{
				SchemaVersion:  "timeout_checkpoint.v1",
				Stage:          m.Stage.Current,
				ElapsedSeconds: elapsed.Seconds(),
				Ts:             nowUTC(),
			}
			if werr := store.WriteJSONAtomic(timeoutCheckpointPath(runRoot), ckpt); werr != nil {
				return werr
			}
			return coreerr.New(coreerr.WatchdogTimeout, "stage exceeded its watchdog timeout")
		}
	}

	var marker tickInProgressMarker
	if rerr := store.ReadJSON(tickInProgressPath(runRoot), &marker); rerr == nil {
		markerAge, perr := time.Parse(time.RFC3339Nano, marker.StartedAt)
		if perr == nil && time.Since(markerAge) > time.Duration(staleMinutes)*time.Minute {
			watchdogTrips.WithLabelValues("stale_tick_marker").Inc()
			return coreerr.New(coreerr.PreviousTickIncomplete,
				"tick-in-progress marker is stale; a previous tick may have crashed").
				WithDetails(map[string]any{"ts": marker.StartedAt, "path": tickInProgressPath(runRoot)})
		}
	}

	return nil
}

func writeTickInProgress(runRoot string, tickIndex int, stage string) error {
	return store.WriteJSONAtomic(tickInProgressPath(runRoot), tickInProgressMarker{
		TickIndex: tickIndex, Stage: stage, StartedAt: nowUTC(),
	})
}

func removeTickInProgress(runRoot string) error {
	err := os.Remove(tickInProgressPath(runRoot))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
