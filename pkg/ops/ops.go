// Package ops implements the operator-surface operations of spec.md §6
// (init, tick, run, stage-advance, perspectives-draft, agent-result,
// status, inspect, triage, pause, resume, cancel, capture-fixtures,
// rerun) as plain functions returning typed results. cmd/drorc and
// pkg/api are both thin shells over this package — neither owns any
// orchestration logic of its own, matching spec.md §1's framing of the
// operator CLI as "a thin shell around the core".
package ops

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/halt"
	"github.com/codeready-toolchain/drorc/pkg/ingest"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
	"github.com/codeready-toolchain/drorc/pkg/tick"
	"github.com/codeready-toolchain/drorc/pkg/tool"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID enforces spec.md §3's "safe path segment" constraint on
// run_id: letters, digits, dot, underscore, dash only, no leading dot and
// no separators, so run_id can always be joined onto a runs root without
// a ResolveWithin round-trip.
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("run_id %q is not a safe path segment", runID))
	}
	return nil
}

// SingleDriver routes every stage to the same driver instance, the shape
// an operator selects with a single `--driver {fixture,live,task}` flag
// for the whole run (spec.md §6 GLOSSARY "Driver").
type SingleDriver struct {
	D driver.Driver
}

// DriverFor implements tick.Drivers.
func (s SingleDriver) DriverFor(string) driver.Driver { return s.D }

// InitRequest is the init operation's input (spec.md §6, §4.2 "the
// init -> wave1 shortcut").
type InitRequest struct {
	RunID             string
	RunsRoot          string  // parent directory under which run roots live
	QueryText         string
	Sensitivity       manifest.Sensitivity
	Limits            *manifest.Limits
	WritePerspectives bool
	Drivers           tick.Drivers
	Policy            policy.Policy
}

// InitResult reports what init produced.
type InitResult struct {
	RunRoot      string
	ManifestPath string
	Stage        string
	Revision     int
}

// Init creates a brand-new run: its root directory, manifest.json (stage
// "init", revision 1), and an all-pending gates.json. When
// WritePerspectives is set it then drives ticks forward (init ->
// perspectives -> wave1) using the supplied driver, exactly as the
// `init --write-perspectives` shortcut of spec.md §4.2 describes,
// stopping as soon as the run reaches wave1 or a tick halts.
func Init(ctx context.Context, req InitRequest) (InitResult, error) {
	if err := ValidateRunID(req.RunID); err != nil {
		return InitResult{}, err
	}
	runRoot, err := filepath.Abs(filepath.Join(req.RunsRoot, req.RunID))
	if err != nil {
		return InitResult{}, fmt.Errorf("resolve run root: %w", err)
	}

	limits := manifest.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	m, err := manifest.New(req.RunID, runRoot, req.QueryText, req.Sensitivity, limits)
	if err != nil {
		return InitResult{}, err
	}
	if err := manifest.Create(manifest.Path(runRoot), m); err != nil {
		return InitResult{}, err
	}
	if err := manifest.WriteGates(manifest.GatesPath(runRoot), manifest.NewGates()); err != nil {
		return InitResult{}, err
	}

	result := InitResult{RunRoot: runRoot, ManifestPath: manifest.Path(runRoot), Stage: m.Stage.Current, Revision: m.Revision}
	if !req.WritePerspectives {
		return result, nil
	}

	tickReq := tick.Request{RunRoot: runRoot, Drivers: req.Drivers, Policy: req.Policy}
	for result.Stage != string(stage.Wave1) {
		outcome, tickErr := tick.Tick(ctx, tickReq)
		if tickErr != nil {
			return InitResult{}, tickErr
		}
		result.Stage = outcome.Stage
		if !outcome.Advanced {
			break
		}
	}
	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return InitResult{}, err
	}
	result.Revision = loaded.Revision
	return result, nil
}

// TickResult is the tick operation's result.
type TickResult struct {
	tick.Outcome
}

// Tick drives exactly one tick (spec.md §4.3), a direct pass-through
// kept here so callers depend on one stable ops surface instead of
// reaching into pkg/tick directly.
func Tick(ctx context.Context, runRoot string, drivers tick.Drivers, ex *tool.Executor, p policy.Policy) (tick.Outcome, error) {
	return tick.Tick(ctx, tick.Request{RunRoot: runRoot, Drivers: drivers, Tools: ex, Policy: p})
}

// Run drives a bounded or cadence-scheduled multi-tick session (spec.md
// §4.6 supplement: fixed interval or cron cadence).
func Run(ctx context.Context, runRoot string, drivers tick.Drivers, ex *tool.Executor, p policy.Policy, opts tick.RunOptions) tick.RunResult {
	return tick.Run(ctx, tick.Request{RunRoot: runRoot, Drivers: drivers, Tools: ex, Policy: p}, opts)
}

// StageAdvanceRequest is the stage-advance operation's input.
type StageAdvanceRequest struct {
	RunRoot       string
	RequestedNext stage.Name
	Reason        string
}

// StageAdvance evaluates and, if permitted, commits a manual stage
// transition outside the tick loop (used by operators reacting to a
// halt, e.g. after manually flipping a gate).
func StageAdvance(req StageAdvanceRequest) (stage.Decision, error) {
	loaded, err := manifest.Read(manifest.Path(req.RunRoot))
	if err != nil {
		return stage.Decision{}, err
	}
	gates, err := manifest.ReadGates(manifest.GatesPath(req.RunRoot))
	if err != nil {
		return stage.Decision{}, err
	}
	ctx := stage.Context{RunRoot: req.RunRoot, Manifest: loaded.Manifest, Gates: gates}

	decision, patch, advErr := stage.Advance(ctx, req.RequestedNext, req.Reason)
	if advErr != nil {
		return decision, advErr
	}
	if _, werr := manifest.Write(manifest.Path(req.RunRoot), loaded.Revision, patch, req.Reason); werr != nil {
		return decision, werr
	}
	return decision, nil
}

// AgentResult wraps pkg/ingest.Run for the operator CLI. It passes the
// caller-supplied bytes through unchanged; it does not read the input
// file itself (cmd/drorc does that).
func AgentResult(req ingest.Request, rawOutput []byte) (ingest.Outcome, error) {
	return ingest.Run(req, rawOutput)
}

// StatusResult is the status operation's output: the manifest and gates
// an operator (or the read-only HTTP mirror) needs to render a summary.
type StatusResult struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Gates    *manifest.Gates    `json:"gates"`
	Revision int                `json:"revision"`
}

// Status loads the current manifest and gates without mutating anything.
func Status(runRoot string) (StatusResult, error) {
	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return StatusResult{}, err
	}
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Manifest: loaded.Manifest, Gates: gates, Revision: loaded.Revision}, nil
}

// InspectResult extends Status with the dry-run decision for the
// canonical next transition, so an operator can see what's blocking
// progress without waiting for a tick to fail first.
type InspectResult struct {
	StatusResult
	NextTransition stage.Decision `json:"next_transition"`
}

// Inspect reports status plus a dry-run of the canonical next
// transition (spec.md §4.5: "dry run ... surfaces the exact set of
// blockers without mutating state").
func Inspect(runRoot string) (InspectResult, error) {
	st, err := Status(runRoot)
	if err != nil {
		return InspectResult{}, err
	}
	decision, err := halt.DryRunAdvance(runRoot, "")
	if err != nil {
		return InspectResult{}, err
	}
	return InspectResult{StatusResult: st, NextTransition: decision}, nil
}

// TriageResult surfaces the latest halt artifact plus a fresh dry-run
// re-evaluation, so an operator can tell whether the blockers that
// caused the halt have since cleared.
type TriageResult struct {
	Latest         *halt.Artifact `json:"latest_halt,omitempty"`
	NextTransition stage.Decision `json:"next_transition"`
}

// Triage reads operator/halt/latest.json (if any) and re-evaluates the
// blocked transition against current state.
func Triage(runRoot string) (TriageResult, error) {
	var latest *halt.Artifact
	var probe halt.Artifact
	latestPath := filepath.Join(runRoot, "operator", "halt", "latest.json")
	if err := store.ReadJSON(latestPath, &probe); err == nil {
		latest = &probe
	}

	requested := stage.Name("")
	if latest != nil {
		requested = stage.Name(latest.BlockedTransition.To)
	}
	decision, err := halt.DryRunAdvance(runRoot, requested)
	if err != nil {
		return TriageResult{}, err
	}
	return TriageResult{Latest: latest, NextTransition: decision}, nil
}

// lifecycleWrite patches the manifest's status field under optimistic
// concurrency, used by pause/resume/cancel.
func lifecycleWrite(runRoot string, status manifest.Status, checkpointFile, checkpointBody string) error {
	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return err
	}
	if checkpointFile != "" {
		path := filepath.Join(runRoot, "logs", checkpointFile)
		if err := store.WriteFileAtomic(path, []byte(checkpointBody), 0o644); err != nil {
			return err
		}
	}
	patch := map[string]any{"status": string(status)}
	_, err = manifest.Write(manifest.Path(runRoot), loaded.Revision, patch, "operator-"+string(status))
	return err
}

// Pause marks a run paused and writes logs/pause-checkpoint.md (spec.md
// §6 on-disk layout); a paused run's tick loop refuses further ticks
// until Resume.
func Pause(runRoot, reason string) error {
	body := fmt.Sprintf("# Pause checkpoint\n\npaused at %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339Nano), reason)
	return lifecycleWrite(runRoot, manifest.StatusPaused, "pause-checkpoint.md", body)
}

// Resume clears a paused run back to running and writes
// logs/resume-checkpoint.md.
func Resume(runRoot, reason string) error {
	body := fmt.Sprintf("# Resume checkpoint\n\nresumed at %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339Nano), reason)
	return lifecycleWrite(runRoot, manifest.StatusRunning, "resume-checkpoint.md", body)
}

// Cancel terminates a run and writes logs/cancel-checkpoint.md (spec.md
// §5: "a cancelled tick writes {status: cancelled} and a cancel
// checkpoint on next manifest write").
func Cancel(runRoot, reason string) error {
	body := fmt.Sprintf("# Cancel checkpoint\n\ncancelled at %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339Nano), reason)
	return lifecycleWrite(runRoot, manifest.StatusCancelled, "cancel-checkpoint.md", body)
}

// PerspectivesStateDoc is the operator/state/perspectives-state.json
// document a perspectives-draft run writes (spec.md §8 scenario 4).
type PerspectivesStateDoc struct {
	SchemaVersion       string   `json:"schema_version"`
	Status              string   `json:"status"`  // "promoted" | "awaiting_human_review"
	FlaggedCandidateIDs []string `json:"flagged_candidate_ids,omitempty"`
	UpdatedAt           string   `json:"updated_at"`
}

// PerspectivesDraftResult reports what perspectives-draft produced.
type PerspectivesDraftResult struct {
	Status   string         `json:"status"`
	Decision stage.Decision `json:"decision,omitempty"`
}

// PerspectivesDraft is the standalone operator command that merges
// whatever perspective candidates have been ingested so far, writes
// perspectives.json and the wave1 plan, flips Gate A, and — when the
// merge auto-promotes — advances the run directly to wave1 (spec.md §8
// scenario 4, §4.4 "Perspectives merge"). A merge that comes back
// awaiting_human_review writes the state document but does not touch the
// stage or Gate A, leaving the halt for `triage` to surface.
func PerspectivesDraft(runRoot string) (PerspectivesDraftResult, error) {
	merge, err := ingest.MergeCandidates(runRoot)
	if err != nil {
		return PerspectivesDraftResult{}, err
	}

	stateDoc := PerspectivesStateDoc{
		SchemaVersion:       "perspectives_state.v1",
		Status:              merge.Status,
		FlaggedCandidateIDs: merge.FlaggedCandidateIDs,
		UpdatedAt:           time.Now().UTC().Format(time.RFC3339Nano),
	}
	statePath := filepath.Join(runRoot, "operator", "state", "perspectives-state.json")
	if err := store.WriteJSONAtomic(statePath, stateDoc); err != nil {
		return PerspectivesDraftResult{}, err
	}

	if merge.Status == "awaiting_human_review" {
		return PerspectivesDraftResult{Status: merge.Status}, coreerr.New(coreerr.HumanReviewRequired,
			"one or more perspective candidates require human review").
			WithDetails(map[string]any{"flagged_candidate_ids": merge.FlaggedCandidateIDs})
	}
	if len(merge.Perspectives) == 0 {
		return PerspectivesDraftResult{}, coreerr.New(coreerr.RunAgentRequired, "no perspective candidates ingested yet")
	}

	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return PerspectivesDraftResult{}, err
	}
	doc := manifest.PerspectivesDoc{SchemaVersion: "perspectives.v1", RunID: loaded.Manifest.RunID, Perspectives: merge.Perspectives}
	if err := store.WriteJSONAtomic(filepath.Join(runRoot, "perspectives.json"), doc); err != nil {
		return PerspectivesDraftResult{}, err
	}

	digest, err := store.Digest(doc)
	if err != nil {
		return PerspectivesDraftResult{}, err
	}
	entries := make([]manifest.WavePlanEntry, 0, len(doc.Perspectives))
	for _, p := range doc.Perspectives {
		entries = append(entries, manifest.WavePlanEntry{
			PerspectiveID: p.ID,
			PromptMD:      fmt.Sprintf("# %s (%s)\n\nResearch query: %s\n", p.Title, p.Track, loaded.Manifest.Query.Text),
		})
	}
	plan := manifest.WavePlan{SchemaVersion: "wave_plan.v1", Entries: entries, PerspectivesDigest: digest}
	if err := store.WriteJSONAtomic(filepath.Join(runRoot, "wave-1", "wave1-plan.json"), plan); err != nil {
		return PerspectivesDraftResult{}, err
	}

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	if err != nil {
		return PerspectivesDraftResult{}, err
	}
	gates.Set(manifest.GateA, manifest.Gate{Status: manifest.GatePass, CheckedAt: time.Now().UTC().Format(time.RFC3339Nano), Notes: "perspectives merged via perspectives-draft"})
	if err := manifest.WriteGates(manifest.GatesPath(runRoot), gates); err != nil {
		return PerspectivesDraftResult{}, err
	}

	decision, advErr := StageAdvance(StageAdvanceRequest{RunRoot: runRoot, RequestedNext: stage.Wave1, Reason: "perspectives-draft"})
	if advErr != nil {
		return PerspectivesDraftResult{Status: merge.Status}, advErr
	}
	return PerspectivesDraftResult{Status: merge.Status, Decision: decision}, nil
}

// RequirePolicy resolves the per-run policy the way every operation that
// touches a run should: run-config/policy.json baked at init, overlaid
// by the live process environment (SPEC_FULL supplement 1).
func RequirePolicy(runRoot string, env []string) (policy.Policy, error) {
	return policy.Resolve(filepath.Join(runRoot, "run-config", "policy.json"), env)
}
