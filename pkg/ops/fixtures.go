package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/drorc/pkg/driver"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/policy"
	"github.com/codeready-toolchain/drorc/pkg/store"
	"github.com/codeready-toolchain/drorc/pkg/tick"
)

// fixtureEntry mirrors driver.fixtureFile's on-disk shape (schema_version
// plus perspective_id/markdown/agent_run_id per entry) so capture-fixtures
// and the fixture driver agree on format without pkg/driver exporting its
// internal replay type.
type fixtureEntry struct {
	PerspectiveID string `yaml:"perspective_id"`
	Markdown      string `yaml:"markdown"`
	AgentRunID    string `yaml:"agent_run_id"`
}

type fixtureFile struct {
	SchemaVersion string         `yaml:"schema_version"`
	Entries       []fixtureEntry `yaml:"entries"`
}

// waveDirFor mirrors pkg/tick's own stage-to-directory mapping for the
// two agent-output-bearing wave stages.
func waveDirFor(stageName string) string {
	switch stageName {
	case "wave2":
		return "wave-2"
	case "init", "perspectives":
		return filepath.Join("perspectives", "candidates")
	default:
		return "wave-1"
	}
}

// CaptureFixtures snapshots the currently-ingested agent outputs for
// stageName into fixtures/<stageName>.yaml, in the exact shape
// driver.FixtureDriver replays (spec.md GLOSSARY "Driver: fixture —
// replay"). Used after a live or task run to freeze its outputs for
// deterministic CI replay.
func CaptureFixtures(runRoot, stageName string) (string, error) {
	dir := filepath.Join(runRoot, waveDirFor(stageName))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s outputs: %w", dir, err)
	}

	fx := fixtureFile{SchemaVersion: "fixture.v1"}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		isMeta := strings.HasSuffix(name, ".meta.json")
		isCandidate := stageName == "init" || stageName == "perspectives"
		var ext string
		if isCandidate {
			ext = ".json"
		} else {
			ext = ".md"
		}
		if isMeta || !strings.HasSuffix(name, ext) {
			continue
		}
		perspectiveID := strings.TrimSuffix(name, ext)
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		var meta manifest.AgentOutputMeta
		metaPath := filepath.Join(dir, perspectiveID+".meta.json")
		_ = store.ReadJSON(metaPath, &meta) // best-effort; agent_run_id is optional

		fx.Entries = append(fx.Entries, fixtureEntry{
			PerspectiveID: perspectiveID,
			Markdown:      string(raw),
			AgentRunID:    meta.AgentRunID,
		})
	}

	out, err := yaml.Marshal(fx)
	if err != nil {
		return "", fmt.Errorf("marshal fixture: %w", err)
	}
	fixturesPath := filepath.Join(runRoot, "fixtures", stageName+".yaml")
	if err := store.WriteFileAtomic(fixturesPath, out, 0o644); err != nil {
		return "", err
	}
	return fixturesPath, nil
}

// Rerun replays a previously-captured stage deterministically: it points
// a fresh FixtureDriver at runRoot's fixtures directory and ticks once,
// the mechanism spec.md's GLOSSARY entry for "Driver: fixture" exists to
// support (debugging a halt or reproducing CI output without a live
// agent). Rerun refuses to replay a stage whose fixture file is stale —
// i.e. older than the run's last_progress_at — since replaying it would
// silently resurrect superseded agent output.
func Rerun(ctx context.Context, runRoot string, p policy.Policy) (tick.Outcome, error) {
	loaded, err := manifestRead(runRoot)
	if err != nil {
		return tick.Outcome{}, err
	}
	fixturesPath := filepath.Join(runRoot, "fixtures", loaded.Stage.Current+".yaml")
	info, err := os.Stat(fixturesPath)
	if err != nil {
		return tick.Outcome{}, fmt.Errorf("no captured fixture for stage %q: %w", loaded.Stage.Current, err)
	}
	lastProgress, perr := time.Parse(time.RFC3339Nano, loaded.Stage.LastProgressAt)
	if perr == nil && info.ModTime().Before(lastProgress) {
		return tick.Outcome{}, fmt.Errorf("fixture %s predates stage's last progress; capture-fixtures again before rerun", fixturesPath)
	}

	fx := driver.FixtureDriver{FixturesDir: filepath.Join(runRoot, "fixtures")}
	return tick.Tick(ctx, tick.Request{RunRoot: runRoot, Drivers: SingleDriver{D: &fx}, Policy: p})
}

func manifestRead(runRoot string) (*manifest.Manifest, error) {
	loaded, err := manifest.Read(manifest.Path(runRoot))
	if err != nil {
		return nil, err
	}
	return loaded.Manifest, nil
}
