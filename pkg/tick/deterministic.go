package tick

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// perspectiveSummary is one summaries.json entry.
type perspectiveSummary struct {
	PerspectiveID string `json:"perspective_id"`
	Summary       string `json:"summary"`
}

type summariesDoc struct {
	SchemaVersion string               `json:"schema_version"`
	Perspectives  []perspectiveSummary `json:"perspectives"`
}

// dispatchSummaries deterministically truncates each wave-2 output to the
// run's max_summary_bytes cap (spec.md §4.3 step 4, "summaries ...
// deterministic summarization").
func dispatchSummaries(runRoot string, m *manifest.Manifest) error {
	dir := filepath.Join(runRoot, "wave-2")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		entries = nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	doc := summariesDoc{SchemaVersion: "summaries.v1"}
	limit := m.Limits.MaxSummaryBytes
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		perspectiveID := strings.TrimSuffix(name, ".md")
		doc.Perspectives = append(doc.Perspectives, perspectiveSummary{
			PerspectiveID: perspectiveID,
			Summary:       truncateBytes(string(raw), limit),
		})
	}
	return store.WriteJSONAtomic(filepath.Join(runRoot, "summaries", "summaries.json"), doc)
}

func truncateBytes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	truncated := s[:limit]
	if idx := strings.LastIndexByte(truncated, ' '); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + " …"
}

// dispatchSynthesis composes a single report from the summaries doc and
// evaluates Gate E (citation coverage and duplicate-citation checks,
// spec.md §3: "E = synthesis acceptable").
func dispatchSynthesis(runRoot string, m *manifest.Manifest) (*manifest.Gates, error) {
	var summaries summariesDoc
	if err := store.ReadJSON(filepath.Join(runRoot, "summaries", "summaries.json"), &summaries); err != nil {
		return nil, err
	}
	var citationRecords citationsDoc
	_ = store.ReadJSON(filepath.Join(runRoot, "citations", "citations.json"), &citationRecords)

	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", m.Query.Text)
	for _, p := range summaries.Perspectives {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", p.PerspectiveID, p.Summary)
	}
	if len(citationRecords.Citations) > 0 {
		b.WriteString("## Citations\n\n")
		for _, c := range citationRecords.Citations {
			target := c.ResolvedURL
			if target == "" {
				target = c.URL
			}
			fmt.Fprintf(&b, "- %s\n", target)
		}
	}
	if err := store.WriteFileAtomic(filepath.Join(runRoot, "synthesis", "report.md"), []byte(b.String()), 0o644); err != nil {
		return nil, err
	}

	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	if err != nil {
		return nil, err
	}
	status, notes := evaluateGateE(citationRecords)
	gates.Set(manifest.GateE, manifest.Gate{Status: status, CheckedAt: nowUTC(), Notes: notes})
	if err := manifest.WriteGates(manifest.GatesPath(runRoot), gates); err != nil {
		return nil, err
	}
	return gates, nil
}

// evaluateGateE requires every present citation to have been validated
// and no duplicate resolved URLs (spec.md §3: "citation coverage,
// duplicate rate, uncited-numeric checks").
func evaluateGateE(doc citationsDoc) (manifest.GateStatus, string) {
	if len(doc.Citations) == 0 {
		return manifest.GatePass, "no citations to validate"
	}
	seen := map[string]struct{}{}
	for _, c := range doc.Citations {
		if !c.Validated {
			return manifest.GateFail, fmt.Sprintf("citation %s failed validation", c.URL)
		}
		key := c.ResolvedURL
		if key == "" {
			key = c.URL
		}
		if _, dup := seen[key]; dup {
			return manifest.GateFail, fmt.Sprintf("duplicate citation target %s", key)
		}
		seen[key] = struct{}{}
	}
	return manifest.GatePass, "all citations validated, no duplicates"
}

// reviewVerdict is the outcome of one deterministic review pass.
type reviewVerdict struct {
	RequestedNext stage.Name
	Gates         *manifest.Gates
}

// dispatchReview deterministically evaluates the review stage's three
// possible outgoing edges (spec.md §4.2): a flipped Gate D takes priority
// (regression to wave2), then an explicit scaffold-rewrite request
// (regression to synthesis), then Gate F is evaluated for a normal
// advance to finalize.
func dispatchReview(runRoot string, m *manifest.Manifest) (reviewVerdict, error) {
	gates, err := manifest.ReadGates(manifest.GatesPath(runRoot))
	if err != nil {
		return reviewVerdict{}, err
	}

	if gates.Get(manifest.GateD).Status == manifest.GateFail {
		if err := supersedeWave2Artifacts(runRoot); err != nil {
			return reviewVerdict{}, err
		}
		gates.Set(manifest.GateD, manifest.Gate{Status: manifest.GatePending, CheckedAt: nowUTC(), Notes: "reset for wave2 regression"})
		if err := manifest.WriteGates(manifest.GatesPath(runRoot), gates); err != nil {
			return reviewVerdict{}, err
		}
		return reviewVerdict{RequestedNext: stage.Wave2, Gates: gates}, nil
	}

	if _, err := os.Stat(filepath.Join(runRoot, "review", "scaffold-rewrite-requested.json")); err == nil {
		return reviewVerdict{RequestedNext: stage.Synthesis, Gates: gates}, nil
	}

	reviewCount := countReviewIterations(m)
	status := manifest.GatePass
	notes := "synthesis accepted"
	if gates.Get(manifest.GateE).Status != manifest.GatePass {
		status = manifest.GateFail
		notes = "gate E has not passed"
	} else if reviewCount >= m.Limits.MaxReviewIterations {
		status = manifest.GateFail
		notes = "max review iterations exhausted; human decision required"
	}
	gates.Set(manifest.GateF, manifest.Gate{Status: status, CheckedAt: nowUTC(), Notes: notes})
	if err := manifest.WriteGates(manifest.GatesPath(runRoot), gates); err != nil {
		return reviewVerdict{}, err
	}
	return reviewVerdict{RequestedNext: stage.Finalize, Gates: gates}, nil
}

// supersedeWave2Artifacts implements spec.md §9's Open Question decision
// for a review -> wave2 regression: prior wave2 outputs are moved aside,
// not deleted, under wave-2/.superseded/<ts>/, so re-entering wave2
// cannot accidentally re-validate stale content against the old plan —
// the reviewer found the prior wave insufficient, so the wave2 dispatch
// step must re-ingest fresh output for every plan entry before Gate D
// can re-pass.
func supersedeWave2Artifacts(runRoot string) error {
	dir := filepath.Join(runRoot, "wave-2")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var toMove []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".md" || (ext == ".json" && strings.HasSuffix(e.Name(), ".meta.json")) {
			toMove = append(toMove, e.Name())
		}
	}
	if len(toMove) == 0 {
		return nil
	}

	destDir := filepath.Join(dir, ".superseded", sanitizeTimestamp(nowUTC()))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create superseded dir %s: %w", destDir, err)
	}
	for _, name := range toMove {
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(destDir, name)); err != nil {
			return fmt.Errorf("supersede wave2 artifact %s: %w", name, err)
		}
	}
	return nil
}

func countReviewIterations(m *manifest.Manifest) int {
	n := 0
	for _, t := range m.Stage.History {
		if t.To == string(stage.Review) {
			n++
		}
	}
	return n
}

// dispatchFinalize copies the accepted synthesis report into its final,
// immutable location (spec.md §4.2: Finalize -> Done requires
// final/report.md).
func dispatchFinalize(runRoot string) error {
	raw, err := os.ReadFile(filepath.Join(runRoot, "synthesis", "report.md"))
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(filepath.Join(runRoot, "final", "report.md"), raw, 0o644)
}
