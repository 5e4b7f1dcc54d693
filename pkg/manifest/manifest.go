// Package manifest defines the typed run manifest — the single source of
// truth for live run state (spec.md §3) — and the durable read/write
// operations layered over pkg/store's generic revisioned-document and
// atomic-write primitives.
package manifest

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// SchemaVersion is the manifest document's schema tag.
const SchemaVersion = "manifest.v1"

// Status is the run's overall lifecycle status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Sensitivity classifies how a query may be researched.
type Sensitivity string

const (
	SensitivityNormal     Sensitivity = "normal"
	SensitivityRestricted Sensitivity = "restricted"
	SensitivityNoWeb      Sensitivity = "no_web"
)

// StageTransition records one historical stage move.
type StageTransition struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   string `json:"at"`
}

// StageState is the manifest's stage sub-document.
type StageState struct {
	Current        string            `json:"current"`
	StartedAt      string            `json:"started_at"`
	LastProgressAt string            `json:"last_progress_at"`
	History        []StageTransition `json:"history"`
}

// Query is the manifest's research-query sub-document.
type Query struct {
	Text        string      `json:"text"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Constraints []string    `json:"constraints,omitempty"`
}

// Limits are per-run caps (spec.md §3).
type Limits struct {
	MaxWave1Agents      int `json:"max_wave1_agents"`
	MaxWave2Agents      int `json:"max_wave2_agents"`
	MaxSummaryBytes     int `json:"max_summary_bytes"`
	MaxReviewIterations int `json:"max_review_iterations"`
}

// ArtifactPaths are the run root's relative sub-paths for derived
// artifacts. Every value MUST pass store.IsPathSafe.
type ArtifactPaths struct {
	GatesFile    string `json:"gates_file"`
	LogsDir      string `json:"logs_dir"`
	Perspectives string `json:"perspectives"`
}

// Artifacts pins the run root and its relative sub-paths.
type Artifacts struct {
	Root  string        `json:"root"`
	Paths ArtifactPaths `json:"paths"`
}

// Manifest is the parsed, typed representation of manifest.json.
type Manifest struct {
	SchemaVersion string     `json:"schema_version"`
	RunID         string     `json:"run_id"`
	CreatedAt     string     `json:"created_at"`
	UpdatedAt     string     `json:"updated_at"`
	Revision      int        `json:"revision"`
	Status        Status     `json:"status"`
	Stage         StageState `json:"stage"`
	Query         Query      `json:"query"`
	Limits        Limits     `json:"limits"`
	Artifacts     Artifacts  `json:"artifacts"`
}

// DefaultLimits returns the baseline caps applied at init when the caller
// supplies none.
func DefaultLimits() Limits {
	return Limits{
		MaxWave1Agents:      6,
		MaxWave2Agents:      4,
		MaxSummaryBytes:     20_000,
		MaxReviewIterations: 3,
	}
}

// New constructs a fresh manifest at stage "init", revision 1, for a new
// run rooted at runRoot (which MUST be absolute per spec.md §3 invariants).
func New(runID, runRoot, queryText string, sensitivity Sensitivity, limits Limits) (*Manifest, error) {
	if !filepath.IsAbs(runRoot) {
		return nil, coreerr.New(coreerr.InvalidArgs, "run root must be an absolute path")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	m := &Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Revision:      1,
		Status:        StatusRunning,
		Stage: StageState{
			Current:        "init",
			StartedAt:      now,
			LastProgressAt: now,
			History:        []StageTransition{},
		},
		Query: Query{Text: queryText, Sensitivity: sensitivity},
		Limits: limits,
		Artifacts: Artifacts{
			Root: runRoot,
			Paths: ArtifactPaths{
				GatesFile:    "gates.json",
				LogsDir:      "logs",
				Perspectives: "perspectives.json",
			},
		},
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate enforces the invariants of spec.md §3: absolute root, non-
// escaping relative paths, schema_version equal to SchemaVersion.
func (m *Manifest) Validate() error {
	if m.SchemaVersion != SchemaVersion {
		return coreerr.New(coreerr.InvalidState, fmt.Sprintf("unsupported schema_version %q", m.SchemaVersion))
	}
	if !filepath.IsAbs(m.Artifacts.Root) {
		return coreerr.New(coreerr.InvalidState, "artifacts.root must be absolute")
	}
	for name, rel := range map[string]string{
		"gates_file":   m.Artifacts.Paths.GatesFile,
		"logs_dir":     m.Artifacts.Paths.LogsDir,
		"perspectives": m.Artifacts.Paths.Perspectives,
	} {
		if rel != "" && !store.IsPathSafe(rel) {
			return coreerr.New(coreerr.PathTraversal, fmt.Sprintf("artifacts.paths.%s escapes run root", name))
		}
	}
	return nil
}

// Path returns the absolute manifest.json path for a given run root.
func Path(runRoot string) string {
	return filepath.Join(runRoot, "manifest.json")
}
