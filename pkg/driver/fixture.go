package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// fixtureEntry is one recorded perspective output in a fixture file.
type fixtureEntry struct {
	PerspectiveID string `yaml:"perspective_id"`
	Markdown      string `yaml:"markdown"`
	AgentRunID    string `yaml:"agent_run_id"`
}

// fixtureFile is the YAML shape under fixtures/<stage>.yaml — deterministic
// replay input for offline/CI runs (spec.md §4.3 step 4, "init/wave1 under
// fixture").
type fixtureFile struct {
	SchemaVersion string         `yaml:"schema_version"`
	Entries       []fixtureEntry `yaml:"entries"`
}

// FixtureDriver deterministically replays recorded agent outputs instead
// of calling a real or task-deferred agent. Used for tests and
// `rerun`/`capture-fixtures` replays.
type FixtureDriver struct {
	FixturesDir string
}

// Name implements Driver.
func (f *FixtureDriver) Name() string { return "fixture" }

// Dispatch implements Driver.
func (f *FixtureDriver) Dispatch(_ context.Context, req DispatchRequest) (DispatchResult, error) {
	path := filepath.Join(f.FixturesDir, req.Stage+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return DispatchResult{}, coreerr.Wrap(coreerr.InvalidState, fmt.Sprintf("no fixture recorded for stage %q", req.Stage), err)
	}
	var fx fixtureFile
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return DispatchResult{}, coreerr.Wrap(coreerr.InvalidState, "fixture file is not valid YAML", err)
	}

	byID := make(map[string]fixtureEntry, len(fx.Entries))
	for _, e := range fx.Entries {
		byID[e.PerspectiveID] = e
	}

	outputs := make([]WaveOutput, 0, len(req.Plan.Entries))
	for _, planEntry := range req.Plan.Entries {
		fxEntry, ok := byID[planEntry.PerspectiveID]
		if !ok {
			return DispatchResult{}, coreerr.New(coreerr.InvalidState,
				fmt.Sprintf("fixture for stage %q has no entry for perspective %q", req.Stage, planEntry.PerspectiveID))
		}
		outputs = append(outputs, WaveOutput{
			PerspectiveID: planEntry.PerspectiveID,
			Markdown:      fxEntry.Markdown,
			AgentRunID:    fxEntry.AgentRunID,
		})
	}
	return DispatchResult{Outputs: outputs}, nil
}
