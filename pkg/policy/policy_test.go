package policy

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/store"
)

func TestResolve_DefaultsOnly(t *testing.T) {
	p, err := Resolve("", nil)
	require.NoError(t, err)
	assert.Equal(t, 1800, p.StageTimeouts["wave1"])
	assert.Equal(t, 2, p.Ladder.DirectFetchMaxAttempts)
	assert.Equal(t, 3, p.RetryBudgets.MaxStageRetries)
}

func TestResolve_FileOverlayAppliesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, store.WriteJSONAtomic(path, map[string]any{
		"stage_timeouts_seconds_v1": map[string]any{"wave1": 2400},
		"retry_budgets":             map[string]any{"max_stage_retries": 5, "max_review_cycles": 2},
	}))

	p, err := Resolve(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2400, p.StageTimeouts["wave1"])
	assert.Equal(t, 600, p.StageTimeouts["pivot"], "unrelated stage timeouts keep their default")
	assert.Equal(t, 5, p.RetryBudgets.MaxStageRetries)
	assert.Equal(t, 2, p.RetryBudgets.MaxReviewCycles)
}

func TestResolve_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, store.WriteJSONAtomic(path, map[string]any{
		"stage_timeouts_seconds_v1": map[string]any{"wave1": 2400},
	}))

	env := []string{
		"DRORC_STAGE_TIMEOUT_WAVE1=3600",
		"DRORC_MAX_STAGE_RETRIES=9",
		"DRORC_CITATION_DIRECT_FETCH_MAX_ATTEMPTS=4",
	}

	p, err := Resolve(path, env)
	require.NoError(t, err)
	assert.Equal(t, 3600, p.StageTimeouts["wave1"])
	assert.Equal(t, 9, p.RetryBudgets.MaxStageRetries)
	assert.Equal(t, 4, p.Ladder.DirectFetchMaxAttempts)
}

func TestResolve_MissingPolicyFileIsNotAnError(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.NoError(t, err)
}

func TestResolve_IgnoresNonIntegerEnvOverride(t *testing.T) {
	p, err := Resolve("", []string{"DRORC_MAX_STAGE_RETRIES=not-a-number"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.RetryBudgets.MaxStageRetries)
}

func TestTimeoutFor_UnknownStageIsZero(t *testing.T) {
	p := Defaults()
	assert.Equal(t, 0, p.TimeoutFor("nonexistent"))
}
