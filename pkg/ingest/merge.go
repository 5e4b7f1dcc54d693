package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

// candidateEnvelope is the raw shape written by normalizePerspectiveCandidate
// plus the flags block a candidate may carry (spec.md §4.4: "If any
// candidate carries flags.human_review_required=true...").
type candidateEnvelope struct {
	manifest.Perspective
	Flags struct {
		HumanReviewRequired bool `json:"human_review_required"`
	} `json:"flags"`
}

// MergeResult is the outcome of merging all ingested perspective
// candidates (spec.md §4.4 "Perspectives merge").
type MergeResult struct {
	Status              string                 `json:"status"`  // "promoted" | "awaiting_human_review"
	Perspectives        []manifest.Perspective `json:"perspectives,omitempty"`
	FlaggedCandidateIDs []string               `json:"flagged_candidate_ids,omitempty"`
}

// MergeCandidates loads every candidate under
// <runRoot>/perspectives/candidates/*.json, deduplicates by
// key = sha256(track‖title‖questions), set-unions platform_requirements
// and tool_policy lists, and orders by (track_weight ASC, domain ASC,
// title ASC).
func MergeCandidates(runRoot string) (MergeResult, error) {
	dir := filepath.Join(runRoot, "perspectives", "candidates")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return MergeResult{Status: "awaiting_human_review"}, nil
		}
		return MergeResult{}, fmt.Errorf("list candidates: %w", err)
	}

	byKey := map[string]candidateEnvelope{}
	var flagged []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return MergeResult{}, fmt.Errorf("read candidate %s: %w", entry.Name(), err)
		}
		var c candidateEnvelope
		if err := json.Unmarshal(raw, &c); err != nil {
			return MergeResult{}, coreerr.Wrap(coreerr.PerspectivesOutputInvalid,
				fmt.Sprintf("candidate %s is not valid JSON", entry.Name()), err)
		}
		if c.Flags.HumanReviewRequired {
			flagged = append(flagged, c.ID)
		}

		key := candidateKey(c.Track, c.Title, c.Questions)
		if existing, ok := byKey[key]; ok {
			byKey[key] = coalesce(existing, c)
		} else {
			byKey[key] = c
		}
	}

	if len(flagged) > 0 {
		sort.Strings(flagged)
		return MergeResult{Status: "awaiting_human_review", FlaggedCandidateIDs: flagged}, nil
	}

	merged := make([]manifest.Perspective, 0, len(byKey))
	for _, c := range byKey {
		merged = append(merged, c.Perspective)
	}
	sort.Slice(merged, func(i, j int) bool {
		wi, wj := manifest.TrackWeight(merged[i].Track), manifest.TrackWeight(merged[j].Track)
		if wi != wj {
			return wi < wj
		}
		if merged[i].Domain != merged[j].Domain {
			return merged[i].Domain < merged[j].Domain
		}
		return merged[i].Title < merged[j].Title
	})

	return MergeResult{Status: "promoted", Perspectives: merged}, nil
}

func candidateKey(track manifest.Track, title string, questions []string) string {
	h := sha256.New()
	h.Write([]byte(track))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	for _, q := range questions {
		h.Write([]byte(q))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func coalesce(a, b candidateEnvelope) candidateEnvelope {
	a.PlatformRequirements = unionSorted(a.PlatformRequirements, b.PlatformRequirements)
	a.ToolPolicy.Primary = unionSorted(a.ToolPolicy.Primary, b.ToolPolicy.Primary)
	a.ToolPolicy.Secondary = unionSorted(a.ToolPolicy.Secondary, b.ToolPolicy.Secondary)
	a.ToolPolicy.Forbidden = unionSorted(a.ToolPolicy.Forbidden, b.ToolPolicy.Forbidden)
	a.Flags.HumanReviewRequired = a.Flags.HumanReviewRequired || b.Flags.HumanReviewRequired
	return a
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
