package envelope

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/halt"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		RunID:  "run-1",
		Status: manifest.StatusRunning,
		Stage:  manifest.StageState{Current: "wave1"},
	}
}

func TestOK_MarksEnvelopeSuccessful(t *testing.T) {
	contract := ContractFrom("/runs/run-1", testManifest(), "drorc tick --run /runs/run-1")
	env := OK("tick", contract, map[string]any{"advanced_to": "pivot"})
	assert.True(t, env.OK)
	assert.Nil(t, env.Error)
	assert.Equal(t, "dr.cli.v1", env.SchemaVersion)
	assert.Equal(t, "run-1", env.Contract.RunID)
}

func TestFromError_CarriesCoreErrorCode(t *testing.T) {
	contract := ContractFrom("/runs/run-1", testManifest(), "drorc tick")
	err := coreerr.New(coreerr.StageAdvanceBlocked, "gate B has not passed")
	env := FromError("tick", contract, err)
	assert.False(t, env.OK)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(coreerr.StageAdvanceBlocked), env.Error.Code)
}

func TestFromHalt_PopulatesNextCommandsAndPaths(t *testing.T) {
	contract := ContractFrom("/runs/run-1", testManifest(), "drorc tick")
	artifact := halt.Artifact{
		RunRoot:   "/runs/run-1",
		TickIndex: 3,
		Error:     halt.ErrorDetail{Code: "STAGE_ADVANCE_BLOCKED", Message: "gate B has not passed"},
		Blockers:  halt.Blockers{BlockedGates: []string{"B"}},
		NextCommands: []string{"drorc agent-result --perspective standard-1"},
	}
	env := FromHalt("tick", contract, artifact)
	require.NotNil(t, env.Halt)
	assert.Equal(t, 3, env.Halt.TickIndex)
	assert.Contains(t, env.Halt.TickPath, "tick-0003.json")
	assert.Contains(t, env.Halt.LatestPath, "latest.json")
	assert.Equal(t, "B", env.Halt.BlockersSummary)
	assert.Equal(t, []string{"drorc agent-result --perspective standard-1"}, env.Halt.NextCommands)
}

func TestEmit_WritesExactlyOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	contract := ContractFrom("/runs/run-1", testManifest(), "drorc status")
	env := OK("status", contract, nil)

	require.NoError(t, Emit(&buf, logger, env))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "status", decoded.Command)
}
