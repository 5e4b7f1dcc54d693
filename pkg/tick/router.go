package tick

import (
	"context"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/stage"
	"github.com/codeready-toolchain/drorc/pkg/tool"
)

// Drivers resolves which driver handles a given stage's agent work
// (spec.md §5: fixture | live | task, selected per run).
type Drivers interface {
	DriverFor(stageName string) driver.Driver
}

// dispatchStage runs the single stage-specific action for m.Stage.Current
// (spec.md §4.3 step 4) and returns the stage.Name the engine should hand
// to stage.Advance as requestedNext. A nil requestedNext means "let
// stage.Advance infer the canonical edge" (stages with exactly one
// declared outgoing edge).
func dispatchStage(ctx context.Context, runRoot string, m *manifest.Manifest, drivers Drivers, ex *tool.Executor, p policy.Policy) (stage.Name, error) {
	current := stage.Name(m.Stage.Current)
	switch current {
	case stage.Init:
		if err := dispatchInit(ctx, runRoot, m, drivers.DriverFor("init")); err != nil {
			return "", err
		}
		return stage.Perspectives, nil

	case stage.Perspectives:
		if err := dispatchPerspectivesStage(runRoot, m); err != nil {
			return "", err
		}
		return stage.Wave1, nil

	case stage.Wave1:
		return dispatchWave1Stage(ctx, runRoot, drivers.DriverFor("wave1"))

	case stage.Pivot:
		if _, err := dispatchPivot(ctx, runRoot, m, ex); err != nil {
			return "", err
		}
		return stage.Wave2, nil

	case stage.Wave2:
		if _, err := dispatchWave2Execution(ctx, runRoot, m, ex); err != nil {
			return "", err
		}
		return stage.Citations, nil

	case stage.Citations:
		if err := dispatchCitations(ctx, runRoot, m, ex, p); err != nil {
			return "", err
		}
		return stage.Summaries, nil

	case stage.Summaries:
		if err := dispatchSummaries(runRoot, m); err != nil {
			return "", err
		}
		return stage.Synthesis, nil

	case stage.Synthesis:
		if _, err := dispatchSynthesis(runRoot, m); err != nil {
			return "", err
		}
		return stage.Review, nil

	case stage.Review:
		verdict, err := dispatchReview(runRoot, m)
		if err != nil {
			return "", err
		}
		return verdict.RequestedNext, nil

	case stage.Finalize:
		if err := dispatchFinalize(runRoot); err != nil {
			return "", err
		}
		return stage.Done, nil

	case stage.Done:
		return "", coreerr.New(coreerr.InvalidState, "run is already done; no further ticks are possible")

	default:
		return "", coreerr.New(coreerr.InvalidState, "unknown stage "+string(current))
	}
}
