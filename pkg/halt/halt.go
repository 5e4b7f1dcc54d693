// Package halt implements dry-run advance and the halt artifact (spec.md
// §4.5): on tick failure, enumerate blockers against a tmp copy of
// manifest+gates without touching the real run state, then write a
// structured record an operator can act on.
package halt

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// Blockers buckets a Decision's failed checks by kind for the halt
// artifact's {missing_artifacts[], blocked_gates[], failed_checks[]}
// shape.
type Blockers struct {
	MissingArtifacts []string `json:"missing_artifacts,omitempty"`
	BlockedGates     []string `json:"blocked_gates,omitempty"`
	FailedChecks     []string `json:"failed_checks,omitempty"`
}

// RelatedPaths are the artifact paths an operator will need (spec.md
// §4.5).
type RelatedPaths struct {
	ManifestPath         string `json:"manifest_path"`
	GatesPath            string `json:"gates_path"`
	RetryDirectivesPath  string `json:"retry_directives_path,omitempty"`
	BlockedURLsPath      string `json:"blocked_urls_path,omitempty"`
	OnlineFixturesLatest string `json:"online_fixtures_latest_path,omitempty"`
}

// ErrorDetail is the halt artifact's error sub-document.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BlockedTransition names the stage transition that failed to advance.
type BlockedTransition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Artifact is the full halt.v1 record (spec.md §4.5).
type Artifact struct {
	SchemaVersion     string            `json:"schema_version"`
	RunID             string            `json:"run_id"`
	RunRoot           string            `json:"run_root"`
	TickIndex         int               `json:"tick_index"`
	StageCurrent      string            `json:"stage_current"`
	BlockedTransition BlockedTransition `json:"blocked_transition"`
	Error             ErrorDetail       `json:"error"`
	Blockers          Blockers          `json:"blockers"`
	RelatedPaths      RelatedPaths      `json:"related_paths"`
	NextCommands      []string          `json:"next_commands"`
	CreatedAt         string            `json:"created_at"`
}

// DryRunAdvance loads manifest.json and gates.json into a private tmp
// copy and evaluates the candidate transition against that copy — never
// against the live documents — so enumerating blockers can never race a
// concurrent write. stage.Evaluate itself never writes (only ArtifactCheck
// reads real artifact files, read-only); the tmp copy exists so the
// manifest/gates values this function reasons over cannot be mutated out
// from under it by a concurrent process holding the run lock.
func DryRunAdvance(runRoot string, requestedNext stage.Name) (stage.Decision, error) {
	tmpRoot, err := os.MkdirTemp("", "drorc-dryrun-*")
	if err != nil {
		return stage.Decision{}, fmt.Errorf("create dry-run tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpRoot)

	m, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return stage.Decision{}, err
	}
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	if err != nil {
		return stage.Decision{}, err
	}
	if err := store.WriteJSONAtomic(filepath.Join(tmpRoot, "manifest.json"), m.Manifest); err != nil {
		return stage.Decision{}, err
	}
	if err := store.WriteJSONAtomic(filepath.Join(tmpRoot, "gates.json"), gates); err != nil {
		return stage.Decision{}, err
	}

	snapshot, err := manifest.Read(filepath.Join(tmpRoot, "manifest.json"))
	if err != nil {
		return stage.Decision{}, err
	}
	snapshotGates, err := manifest.ReadGates(filepath.Join(tmpRoot, "gates.json"))
	if err != nil {
		return stage.Decision{}, err
	}

	// Artifact checks still resolve against the real run root — they are
	// read-only probes of already-durable files, not part of what a real
	// Advance would mutate.
	ctx := stage.Context{RunRoot: runRoot, Manifest: snapshot.Manifest, Gates: snapshotGates}
	return stage.Evaluate(ctx, requestedNext)
}

// classify buckets a Decision's blockers by check kind.
func classify(d stage.Decision) Blockers {
	var b Blockers
	for _, r := range d.Blockers() {
		switch r.Kind {
		case "artifact":
			b.MissingArtifacts = append(b.MissingArtifacts, r.Name)
		case "gate":
			b.BlockedGates = append(b.BlockedGates, r.Name)
		case "custom":
			b.FailedChecks = append(b.FailedChecks, r.Name)
		}
	}
	return b
}

// Write builds and atomically persists the halt artifact at
// operator/halt/tick-NNNN.json and operator/halt/latest.json.
func Write(runRoot string, runID string, tickIndex int, decision stage.Decision, tickErr error, nextCommands []string) (Artifact, error) {
	code := coreerr.CodeOf(tickErr)
	a := Artifact{
		SchemaVersion: "halt.v1",
		RunID:         runID,
		RunRoot:       runRoot,
		TickIndex:     tickIndex,
		StageCurrent:  string(decision.From),
		BlockedTransition: BlockedTransition{
			From: string(decision.From),
			To:   string(decision.To),
		},
		Error: ErrorDetail{
			Code:    string(code),
			Message: tickErr.Error(),
		},
		Blockers: classify(decision),
		RelatedPaths: RelatedPaths{
			ManifestPath: manifest.Path(runRoot),
			GatesPath:    manifest.GatesPath(runRoot),
		},
		NextCommands: nextCommands,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}

	dir := filepath.Join(runRoot, "operator", "halt")
	numbered := filepath.Join(dir, fmt.Sprintf("tick-%04d.json", tickIndex))
	latest := filepath.Join(dir, "latest.json")

	if err := store.WriteJSONAtomic(numbered, a); err != nil {
		return Artifact{}, err
	}
	if err := store.WriteJSONAtomic(latest, a); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// DefaultNextCommands renders the generic operator remediation commands
// for a blocked transition; callers override for task-driver-specific
// per-perspective agent-result suggestions (spec.md §4.5).
func DefaultNextCommands(runRoot string, d stage.Decision) []string {
	cmds := make([]string, 0, len(d.Blockers()))
	for _, b := range d.Blockers() {
		switch b.Kind {
		case "artifact":
			cmds = append(cmds, fmt.Sprintf("drorc inspect --run-root %s  # missing artifact: %s", runRoot, b.Name))
		case "gate":
			cmds = append(cmds, fmt.Sprintf("drorc stage-advance --run-root %s --reason review-gate-%s", runRoot, b.Name))
		case "custom":
			cmds = append(cmds, fmt.Sprintf("drorc triage --run-root %s  # failed check: %s", runRoot, b.Name))
		}
	}
	return cmds
}

// TaskDriverNextCommands enumerates per-perspective agent-result
// invocations for the task driver's RUN_AGENT_REQUIRED halt.
func TaskDriverNextCommands(runRoot, stageName string, missingPerspectives []string) []string {
	cmds := make([]string, 0, len(missingPerspectives))
	for _, p := range missingPerspectives {
		cmds = append(cmds, fmt.Sprintf(
			"drorc agent-result --run-root %s --stage %s --perspective-id %s --input <path-to-agent-output>",
			runRoot, stageName, p))
	}
	return cmds
}
