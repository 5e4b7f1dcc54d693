// Package tick implements the pipeline's single-tick operation (spec.md
// §4.3): lock acquisition, watchdog checks, stage dispatch, stage
// advance, and the observability/halt side effects that surround them.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/halt"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
	"github.com/codeready-toolchain/drorc/pkg/tool"
)

// Request bundles what Tick needs for one run; Drivers and Tools may be
// nil for stages that never reach them (tests exercising only
// deterministic stages need not construct a live driver or MCP client).
type Request struct {
	RunRoot string
	Drivers Drivers
	Tools   *tool.Executor
	Policy  policy.Policy
}

// Outcome is what one Tick call produced.
type Outcome struct {
	TickIndex    int
	Stage        string
	Advanced     bool
	Halted       bool
	HaltArtifact *halt.Artifact
}

// Tick runs exactly one attempt at advancing runRoot's run by one stage,
// implementing spec.md §4.3's nine-step sequence. All file mutation from
// step 3 onward happens under the run lock; the lock is always released,
// even on panic-free early returns.
func Tick(ctx context.Context, req Request) (Outcome, error) {
	runRoot := req.RunRoot
	p := req.Policy

	lock, err := store.AcquireLock(runRoot, p.LockLeaseSeconds, "tick")
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		if rerr := store.ReleaseLock(lock); rerr != nil {
			slog.Warn("release run lock failed", "run_root", runRoot, "error", rerr)
		}
	}()

	hb := store.StartHeartbeat(lock, p.HeartbeatIntervalMillis, p.LockLeaseSeconds, 3, func() {
		slog.Error("run lock heartbeat exhausted its failure budget", "run_root", runRoot)
	})
	defer hb.Stop()

	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return Outcome{}, err
	}
	m := loaded.Manifest
	currentStage := m.Stage.Current
	if m.Status == manifest.StatusPaused {
		return Outcome{Stage: currentStage}, coreerr.New(coreerr.InvalidState, "run is paused; resume it before ticking")
	}

	driverName := "fixture"
	if req.Drivers != nil {
		if d := req.Drivers.DriverFor(currentStage); d != nil {
			driverName = d.Name()
		}
	}
	timeout := p.TimeoutFor(currentStage)

	// Step 1: pre-tick watchdog.
	if werr := checkWatchdog(runRoot, m, driverName, timeout, p.TickInProgressStaleMinutes); werr != nil {
		return Outcome{Stage: currentStage}, failTick(runRoot, m, 0, currentStage, 0, werr, nil)
	}

	tickIndex, err := nextTickIndex(runRoot)
	if err != nil {
		return Outcome{}, err
	}
	attempt, err := stageAttempt(runRoot, currentStage)
	if err != nil {
		return Outcome{}, err
	}
	digest, err := inputsDigest(m.RunID, currentStage, tickIndex, attempt, loaded.Revision)
	if err != nil {
		return Outcome{}, err
	}

	// Step 2: begin observability.
	if aerr := appendTickStart(runRoot, tickIndex, currentStage, attempt, "scheduled"); aerr != nil {
		return Outcome{}, aerr
	}
	if aerr := appendTelemetry(runRoot, "stage_started", currentStage, tickIndex, attempt, digest); aerr != nil {
		return Outcome{}, aerr
	}

	// Step 3: tick-in-progress marker.
	if werr := writeTickInProgress(runRoot, tickIndex, currentStage); werr != nil {
		return Outcome{}, werr
	}
	defer func() {
		if rerr := removeTickInProgress(runRoot); rerr != nil {
			slog.Warn("remove tick-in-progress marker failed", "run_root", runRoot, "error", rerr)
		}
	}()

	timer := prometheus.NewTimer(stageDuration.WithLabelValues(currentStage))

	// Step 4: dispatch.
	requestedNext, dispatchErr := dispatchStage(ctx, runRoot, m, req.Drivers, req.Tools, p)
	timer.ObserveDuration()

	if dispatchErr != nil {
		retryable := coreerr.Retryable(coreerr.CodeOf(dispatchErr))
		ticksTotal.WithLabelValues(currentStage, outcomeLabel(retryable)).Inc()
		if aerr := appendTickFinish(runRoot, tickIndex, currentStage, attempt, "failed", string(coreerr.CodeOf(dispatchErr)), retryable); aerr != nil {
			slog.Warn("append tick finish failed", "run_root", runRoot, "error", aerr)
		}
		if retryable {
			if aerr := appendRetryPlanned(runRoot, currentStage, tickIndex, attempt, attempt+1); aerr != nil {
				slog.Warn("append retry planned failed", "run_root", runRoot, "error", aerr)
			}
		}
		return Outcome{TickIndex: tickIndex, Stage: currentStage}, failTick(runRoot, m, tickIndex, currentStage, attempt, dispatchErr, nil)
	}

	// Step 5: stage advance.
	stageCtx := stage.Context{RunRoot: runRoot, Manifest: m}
	gates, gerr := manifest.ReadGates(manifest.GatesPath(runRoot))
	if gerr != nil {
		return Outcome{}, gerr
	}
	stageCtx.Gates = gates

	decision, patch, advErr := stage.Advance(stageCtx, requestedNext, "tick")
	if advErr != nil {
		retryable := coreerr.Retryable(coreerr.CodeOf(advErr))
		ticksTotal.WithLabelValues(currentStage, outcomeLabel(retryable)).Inc()
		if aerr := appendTickFinish(runRoot, tickIndex, currentStage, attempt, "blocked", string(coreerr.CodeOf(advErr)), retryable); aerr != nil {
			slog.Warn("append tick finish failed", "run_root", runRoot, "error", aerr)
		}
		return Outcome{TickIndex: tickIndex, Stage: currentStage}, failTick(runRoot, m, tickIndex, currentStage, attempt, advErr, &decision)
	}

	if _, werr := manifest.Write(manifest.Path(runRoot), loaded.Revision, patch, "tick"); werr != nil {
		return Outcome{}, werr
	}

	// Step 6: finalize observability.
	if aerr := appendTickFinish(runRoot, tickIndex, currentStage, attempt, "advanced", "", false); aerr != nil {
		slog.Warn("append tick finish failed", "run_root", runRoot, "error", aerr)
	}
	if _, merr := refreshRunMetrics(runRoot, string(decision.To)); merr != nil {
		slog.Warn("refresh run metrics failed", "run_root", runRoot, "error", merr)
	}
	ticksTotal.WithLabelValues(currentStage, "advanced").Inc()

	// Step 8: post-tick watchdog (no marker check needed — ours is still
	// fresh; a stage-timeout trip here means dispatch itself overran).
	if werr := checkWatchdog(runRoot, m, driverName, timeout, p.TickInProgressStaleMinutes); werr != nil {
		return Outcome{TickIndex: tickIndex, Stage: string(decision.To), Advanced: true}, failTick(runRoot, m, tickIndex, string(decision.To), attempt, werr, nil)
	}

	return Outcome{TickIndex: tickIndex, Stage: string(decision.To), Advanced: true}, nil
}

func outcomeLabel(retryable bool) string {
	if retryable {
		return "retryable_failure"
	}
	return "fatal_failure"
}

// failTick writes the halt artifact (step 7) for a tick that could not
// proceed. When stage.Advance already ran, its Decision is reused as-is;
// otherwise (every dispatch-time failure — RUN_AGENT_REQUIRED, TOOL_FAILED,
// WATCHDOG_TIMEOUT) a dry-run advance against a tmp copy of manifest+gates
// enumerates the blockers a real advance would hit (spec.md §4.5), so the
// halt artifact's blockers{} is never silently empty.
func failTick(runRoot string, m *manifest.Manifest, tickIndex int, currentStage string, attempt int, tickErr error, decision *stage.Decision) error {
	d := stage.Decision{From: stage.Name(currentStage)}
	if decision != nil {
		d = *decision
	} else if dry, dryErr := halt.DryRunAdvance(runRoot, ""); dryErr == nil {
		d = dry
	} else {
		slog.Warn("dry-run advance failed", "run_root", runRoot, "error", dryErr)
	}

	cmds := halt.DefaultNextCommands(runRoot, d)
	if coreerr.CodeOf(tickErr) == coreerr.RunAgentRequired {
		if ids := missingPerspectiveIDs(tickErr); len(ids) > 0 {
			cmds = append(halt.TaskDriverNextCommands(runRoot, currentStage, ids),
				fmt.Sprintf("drorc tick --run-root %s", runRoot))
		}
	}

	if _, werr := halt.Write(runRoot, m.RunID, tickIndex, d, tickErr, cmds); werr != nil {
		slog.Error("write halt artifact failed", "run_root", runRoot, "error", werr)
	}
	return tickErr
}

// missingPerspectiveIDs extracts the perspective IDs a task-driver
// RUN_AGENT_REQUIRED error reported outstanding.
func missingPerspectiveIDs(tickErr error) []string {
	var ce *coreerr.CoreError
	if !errors.As(tickErr, &ce) {
		return nil
	}
	raw, ok := ce.Details["missing_perspectives"].([]driver.MissingPerspective)
	if !ok {
		return nil
	}
	ids := make([]string, len(raw))
	for i, mp := range raw {
		ids[i] = mp.PerspectiveID
	}
	return ids
}
