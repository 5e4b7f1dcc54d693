// Package ingest implements agent_result (spec.md §4.4): resolving the
// prompt an agent was given, verifying its digest still matches the
// current plan, and atomically writing the agent's output plus a sidecar
// under the run lock with conflict detection.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// Request is the agent_result operation's input (spec.md §4.4).
type Request struct {
	RunRoot       string
	Stage         string
	PerspectiveID string
	InputPath     string
	AgentRunID    string
	Reason        string
	Force         bool
}

// Outcome reports what agent_result actually did.
type Outcome struct {
	Noop         bool   `json:"noop"`
	OutputPath   string `json:"output_path"`
	MetaPath     string `json:"meta_path"`
	PromptDigest string `json:"prompt_digest"`
}

// PromptDigest returns sha256(prompt_md) as a lowercase hex string,
// matching spec.md §4.4 step 2 exactly (not the "sha256:"-prefixed form
// used by pkg/store's canonical-JSON digest, since prompt_md is raw
// markdown, not a JSON value).
func PromptDigest(promptMD string) string {
	sum := sha256.Sum256([]byte(promptMD))
	return hex.EncodeToString(sum[:])
}

// resolvePrompt implements spec.md §4.4 step 1.
func resolvePrompt(req Request, perspectivesDigest string) (promptMD string, err error) {
	switch req.Stage {
	case "wave1", "wave2":
		planRel := fmt.Sprintf("wave-%s/wave%s-plan.json", waveNumber(req.Stage), waveNumber(req.Stage))
		planPath, err := store.ResolveWithin(req.RunRoot, planRel)
		if err != nil {
			return "", err
		}
		var plan manifest.WavePlan
		if err := store.ReadJSON(planPath, &plan); err != nil {
			return "", coreerr.Wrap(coreerr.InvalidState, "failed to load wave plan", err)
		}
		staleCode := coreerr.Wave1PlanStale
		if req.Stage == "wave2" {
			staleCode = coreerr.Wave2PlanStale
		}
		if plan.PerspectivesDigest != perspectivesDigest {
			return "", coreerr.New(staleCode, "wave plan's perspectives_digest no longer matches the current perspectives doc")
		}
		for _, entry := range plan.Entries {
			if entry.PerspectiveID == req.PerspectiveID {
				return entry.PromptMD, nil
			}
		}
		return "", coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("no plan entry for perspective %q", req.PerspectiveID))

	case "perspectives", "summaries", "synthesis":
		rel := filepath.Join("operator", "prompts", req.Stage, req.PerspectiveID+".md")
		promptPath, err := store.ResolveWithin(req.RunRoot, rel)
		if err != nil {
			return "", err
		}
		raw, err := os.ReadFile(promptPath)
		if err != nil {
			return "", coreerr.Wrap(coreerr.InvalidState, "operator prompt not found", err)
		}
		return string(raw), nil

	default:
		return "", coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("agent_result not applicable to stage %q", req.Stage))
	}
}

func waveNumber(stage string) string {
	if stage == "wave2" {
		return "2"
	}
	return "1"
}

// perspectivesDigestOf digests the current perspectives doc (or "" if it
// doesn't exist yet — true only before the first perspectives ingest).
func perspectivesDigestOf(runRoot string) (string, error) {
	path := filepath.Join(runRoot, "perspectives.json")
	var doc manifest.PerspectivesDoc
	if err := store.ReadJSON(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return store.Digest(doc)
}

// Run executes agent_result end to end. Callers are expected to hold the
// run lock for the duration (spec.md §4.4 step 4: "under the run lock").
func Run(req Request, rawOutput []byte) (Outcome, error) {
	perspDigest, err := perspectivesDigestOf(req.RunRoot)
	if err != nil {
		return Outcome{}, err
	}

	promptMD, err := resolvePrompt(req, perspDigest)
	if err != nil {
		return Outcome{}, err
	}
	promptDigest := PromptDigest(promptMD)

	outputRel, metaRel, err := outputPaths(req.Stage, req.PerspectiveID)
	if err != nil {
		return Outcome{}, err
	}
	outputPath, err := store.ResolveWithin(req.RunRoot, outputRel)
	if err != nil {
		return Outcome{}, err
	}
	metaPath, err := store.ResolveWithin(req.RunRoot, metaRel)
	if err != nil {
		return Outcome{}, err
	}

	existingMeta, metaErr := readMeta(metaPath)
	_, outputExists := statExists(outputPath)

	switch {
	case metaErr == nil && existingMeta.PromptDigest == promptDigest:
		return Outcome{Noop: true, OutputPath: outputPath, MetaPath: metaPath, PromptDigest: promptDigest}, nil

	case metaErr == nil && existingMeta.PromptDigest != promptDigest && !req.Force:
		return Outcome{}, coreerr.New(coreerr.AgentResultPromptDigestConflict,
			"sidecar prompt_digest differs from current prompt; pass force=true to override").
			WithDetails(map[string]any{"existing_digest": existingMeta.PromptDigest, "new_digest": promptDigest})

	case metaErr != nil && outputExists:
		// Missing sidecar but an output file already present (spec.md
		// §4.4 step 5): only a true conflict if the content differs.
		existing, readErr := os.ReadFile(outputPath)
		if readErr == nil && string(existing) != string(rawOutput) {
			return Outcome{}, coreerr.New(coreerr.AgentResultMetaConflict,
				"output exists with no sidecar and differing content")
		}
	}

	normalizedOutput := rawOutput
	if req.Stage == "perspectives" {
		normalizedOutput, err = normalizePerspectiveCandidate(req, rawOutput)
		if err != nil {
			return Outcome{}, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := writeFileAtomic(outputPath, normalizedOutput); err != nil {
		return Outcome{}, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	meta := manifest.AgentOutputMeta{
		SchemaVersion:   "agent_output_meta.v1",
		PromptDigest:    promptDigest,
		AgentRunID:      req.AgentRunID,
		IngestedAt:      now,
		SourceInputPath: req.InputPath,
	}
	if err := store.WriteJSONAtomic(metaPath, meta); err != nil {
		return Outcome{}, err
	}

	return Outcome{OutputPath: outputPath, MetaPath: metaPath, PromptDigest: promptDigest}, nil
}

func outputPaths(stage, perspectiveID string) (outputRel, metaRel string, err error) {
	switch stage {
	case "wave1":
		return fmt.Sprintf("wave-1/%s.md", perspectiveID), fmt.Sprintf("wave-1/%s.meta.json", perspectiveID), nil
	case "wave2":
		return fmt.Sprintf("wave-2/%s.md", perspectiveID), fmt.Sprintf("wave-2/%s.meta.json", perspectiveID), nil
	case "perspectives":
		return fmt.Sprintf("perspectives/candidates/%s.json", perspectiveID), fmt.Sprintf("perspectives/candidates/%s.meta.json", perspectiveID), nil
	case "summaries":
		return fmt.Sprintf("summaries/%s.md", perspectiveID), fmt.Sprintf("summaries/%s.meta.json", perspectiveID), nil
	case "synthesis":
		return "synthesis/report.md", "synthesis/report.meta.json", nil
	default:
		return "", "", coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("no output mapping for stage %q", stage))
	}
}

func readMeta(path string) (manifest.AgentOutputMeta, error) {
	var m manifest.AgentOutputMeta
	err := store.ReadJSON(path, &m)
	return m, err
}

func statExists(path string) (os.FileInfo, bool) {
	info, err := os.Stat(path)
	return info, err == nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename tmp %s: %w", tmp, err)
	}
	return nil
}

// normalizePerspectiveCandidate parses and validates one perspectives-stage
// agent result (spec.md §4.4 step 3).
func normalizePerspectiveCandidate(req Request, raw []byte) ([]byte, error) {
	var candidate manifest.Perspective
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return nil, coreerr.Wrap(coreerr.PerspectivesOutputInvalid, "perspective candidate is not valid JSON", err)
	}
	if candidate.Title == "" {
		return nil, coreerr.New(coreerr.PerspectivesOutputInvalid, "perspective candidate missing title")
	}
	switch candidate.Track {
	case manifest.TrackStandard, manifest.TrackIndependent, manifest.TrackContrarian:
	default:
		return nil, coreerr.New(coreerr.PerspectivesOutputInvalid, fmt.Sprintf("unrecognized track %q", candidate.Track))
	}
	if candidate.ID == "" {
		candidate.ID = req.PerspectiveID
	}
	normalized, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal normalized candidate: %w", err)
	}
	return append(normalized, '\n'), nil
}
