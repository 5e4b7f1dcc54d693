// Package envelope implements the dr.cli.v1 machine-readable output
// contract (spec.md §6): every operator-surface command emits exactly
// one of these on its output stream, with incidental logging routed to
// slog on the error stream instead.
package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/halt"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

// Contract carries the run-identifying fields every envelope repeats
// regardless of command or outcome.
type Contract struct {
	RunID         string `json:"run_id"`
	RunRoot       string `json:"run_root"`
	ManifestPath  string `json:"manifest_path"`
	GatesPath     string `json:"gates_path"`
	StageCurrent  string `json:"stage_current"`
	Status        string `json:"status"`
	CLIInvocation string `json:"cli_invocation"`
}

// ErrorBody is the envelope's error sub-document.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// HaltBody mirrors the fields of a halt.Artifact an envelope needs to
// point an operator at, without re-embedding the full artifact.
type HaltBody struct {
	TickIndex       int      `json:"tick_index"`
	TickPath        string   `json:"tick_path"`
	LatestPath      string   `json:"latest_path"`
	BlockersSummary string   `json:"blockers_summary,omitempty"`
	NextCommands    []string `json:"next_commands"`
}

// Envelope is the dr.cli.v1 document (spec.md §6).
type Envelope struct {
	SchemaVersion string     `json:"schema_version"`
	OK            bool       `json:"ok"`
	Command       string     `json:"command"`
	Contract      Contract   `json:"contract"`
	Result        any        `json:"result,omitempty"`
	Error         *ErrorBody `json:"error,omitempty"`
	Halt          *HaltBody  `json:"halt,omitempty"`
}

// ContractFrom builds a Contract from a loaded manifest and the raw CLI
// invocation string (argv joined, for audit).
func ContractFrom(runRoot string, m *manifest.Manifest, cliInvocation string) Contract {
	return Contract{
		RunID:         m.RunID,
		RunRoot:       runRoot,
		ManifestPath:  manifest.Path(runRoot),
		GatesPath:     manifest.GatesPath(runRoot),
		StageCurrent:  m.Stage.Current,
		Status:        string(m.Status),
		CLIInvocation: cliInvocation,
	}
}

// OK builds a successful envelope.
func OK(command string, contract Contract, result any) Envelope {
	return Envelope{
		SchemaVersion: "dr.cli.v1",
		OK:            true,
		Command:       command,
		Contract:      contract,
		Result:        result,
	}
}

// FromError builds a failed envelope from any error, classifying it via
// coreerr when possible (spec.md §7: "every internally thrown error
// carries a code").
func FromError(command string, contract Contract, err error) Envelope {
	code := coreerr.CodeOf(err)
	var details map[string]any
	if ce, ok := err.(*coreerr.CoreError); ok {
		details = ce.Details
	}
	return Envelope{
		SchemaVersion: "dr.cli.v1",
		OK:            false,
		Command:       command,
		Contract:      contract,
		Error: &ErrorBody{
			Code:    string(code),
			Message: err.Error(),
			Details: details,
		},
	}
}

// FromHalt builds a failed envelope carrying a halt pointer, for commands
// that failed by emitting a halt artifact rather than a bare error
// (spec.md §7: "errors that correspond to a known blocker emit a halt
// artifact with explicit next_commands").
func FromHalt(command string, contract Contract, artifact halt.Artifact) Envelope {
	haltDir := filepath.Join(artifact.RunRoot, "operator", "halt")
	return Envelope{
		SchemaVersion: "dr.cli.v1",
		OK:            false,
		Command:       command,
		Contract:      contract,
		Error: &ErrorBody{
			Code:    artifact.Error.Code,
			Message: artifact.Error.Message,
		},
		Halt: &HaltBody{
			TickIndex:       artifact.TickIndex,
			TickPath:        filepath.Join(haltDir, fmt.Sprintf("tick-%04d.json", artifact.TickIndex)),
			LatestPath:      filepath.Join(haltDir, "latest.json"),
			BlockersSummary: summarizeBlockers(artifact.Blockers),
			NextCommands:    artifact.NextCommands,
		},
	}
}

func summarizeBlockers(b halt.Blockers) string {
	n := len(b.MissingArtifacts) + len(b.BlockedGates) + len(b.FailedChecks)
	if n == 0 {
		return ""
	}
	return join(b.MissingArtifacts, b.BlockedGates, b.FailedChecks)
}

func join(groups ...[]string) string {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]string, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	s := ""
	for i, v := range out {
		if i > 0 {
			s += ", "
		}
		s += v
	}
	return s
}

// Emit writes exactly one envelope to w as a single JSON object terminated
// with "\n" (spec.md §6: "the output stream is reserved for exactly one
// JSON object"), and logs a matching structured summary via logger so
// incidental diagnostics never share the output stream.
func Emit(w io.Writer, logger *slog.Logger, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	logger.Info("command completed", "command", env.Command, "ok", env.OK, "run_id", env.Contract.RunID)
	_, err = w.Write(raw)
	return err
}
