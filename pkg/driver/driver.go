// Package driver implements the three agent-execution backends the tick
// engine dispatches to for init/wave1/wave2 (spec.md §4.3 step 4):
// fixture (deterministic replay), live (gRPC call to an external agent
// runner), and task (prompt-out, human/agent ingests separately).
package driver

import (
	"context"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

// WaveOutput is one perspective's produced markdown, returned by a
// driver that completes synchronously (fixture, live).
type WaveOutput struct {
	PerspectiveID string
	Markdown      string
	AgentRunID    string
}

// DispatchRequest bundles what a driver needs to run one stage's work.
type DispatchRequest struct {
	RunRoot     string
	Stage       string
	Plan        manifest.WavePlan
	PromptsOnly bool
}

// MissingPerspective describes one plan entry the task driver could not
// find an ingested sidecar for (spec.md §4.3 step 4, "task" dispatch, and
// §6 scenario 3: "each item exposes prompt_path, output_path, meta_path,
// and prompt_digest").
type MissingPerspective struct {
	PerspectiveID string `json:"perspective_id"`
	PromptPath    string `json:"prompt_path"`
	OutputPath    string `json:"output_path"`
	MetaPath      string `json:"meta_path"`
	PromptDigest  string `json:"prompt_digest"`
}

// DispatchResult is the uniform outcome of a driver's dispatch call,
// generalizing the teacher's pkg/mcp ToolResult envelope pattern (spec.md
// §9: ToolResult<T> = Ok(T) | Err{code,message,details}).
type DispatchResult struct {
	Outputs             []WaveOutput
	RequestedNext       string
	AgentRequired       bool
	MissingPerspectives []MissingPerspective
}

// Driver is implemented by fixture, live, and task.
type Driver interface {
	Name() string
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}
