package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// TaskDriver never calls an agent itself: for every plan entry lacking a
// matching ingested sidecar digest, it writes out the prompt file and
// reports RUN_AGENT_REQUIRED with the perspectives still outstanding
// (spec.md §4.3 step 4, "init/wave1 under task").
type TaskDriver struct{}

// Name implements Driver.
func (t *TaskDriver) Name() string { return "task" }

// SidecarProbe reports whether an ingested sidecar exists for the given
// stage and perspective and its prompt_digest matches. The tick engine
// supplies it (it already knows how to resolve a run root's sidecar paths
// via pkg/ingest) so this package stays free of a pkg/ingest import cycle.
type SidecarProbe func(stage, perspectiveID string) (digestMatches bool)

// outputMetaRel mirrors pkg/tick/dispatch.go's directory choices for each
// stage the task driver is ever dispatched against, so a missing
// perspective's suggested output/meta paths match where a later
// agent-result call will actually look for them.
func outputMetaRel(stage, perspectiveID string) (outputRel, metaRel string) {
	switch stage {
	case "wave1":
		return fmt.Sprintf("wave-1/%s.md", perspectiveID), fmt.Sprintf("wave-1/%s.meta.json", perspectiveID)
	case "wave2":
		return fmt.Sprintf("wave-2/%s.md", perspectiveID), fmt.Sprintf("wave-2/%s.meta.json", perspectiveID)
	case "init":
		return fmt.Sprintf("perspectives/candidates/%s.json", perspectiveID), fmt.Sprintf("perspectives/candidates/%s.meta.json", perspectiveID)
	default:
		return fmt.Sprintf("operator/outputs/%s/%s.json", stage, perspectiveID), fmt.Sprintf("operator/outputs/%s/%s.meta.json", stage, perspectiveID)
	}
}

// promptDigest returns sha256(prompt_md) as lowercase hex, the same form
// pkg/ingest.PromptDigest produces (spec.md §4.4 step 2). Computed locally
// so this package stays free of a pkg/ingest import cycle.
func promptDigest(promptMD string) string {
	sum := sha256.Sum256([]byte(promptMD))
	return hex.EncodeToString(sum[:])
}

func (t *TaskDriver) DispatchWithProbe(_ context.Context, req DispatchRequest, probe SidecarProbe) (DispatchResult, error) {
	var missing []MissingPerspective
	for _, entry := range req.Plan.Entries {
		if probe(req.Stage, entry.PerspectiveID) {
			continue
		}
		promptRel := filepath.Join("operator", "prompts", req.Stage, entry.PerspectiveID+".md")
		promptPath := filepath.Join(req.RunRoot, promptRel)
		if err := os.MkdirAll(filepath.Dir(promptPath), 0o755); err != nil {
			return DispatchResult{}, fmt.Errorf("create prompt dir: %w", err)
		}
		if err := os.WriteFile(promptPath, []byte(entry.PromptMD), 0o644); err != nil {
			return DispatchResult{}, fmt.Errorf("write prompt %s: %w", promptPath, err)
		}
		outputRel, metaRel := outputMetaRel(req.Stage, entry.PerspectiveID)
		missing = append(missing, MissingPerspective{
			PerspectiveID: entry.PerspectiveID,
			PromptPath:    promptPath,
			OutputPath:    filepath.Join(req.RunRoot, outputRel),
			MetaPath:      filepath.Join(req.RunRoot, metaRel),
			PromptDigest:  promptDigest(entry.PromptMD),
		})
	}

	if len(missing) == 0 {
		return DispatchResult{}, nil
	}
	return DispatchResult{MissingPerspectives: missing}, coreerr.New(coreerr.RunAgentRequired,
		fmt.Sprintf("%d perspective(s) await agent-result", len(missing))).
		WithDetails(map[string]any{"missing_perspectives": missing})
}

// Dispatch implements Driver with an always-require-ingest probe; callers
// that already track sidecar state should use DispatchWithProbe directly.
func (t *TaskDriver) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	return t.DispatchWithProbe(ctx, req, func(string, string) bool { return false })
}
