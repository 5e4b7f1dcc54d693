package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/drorc/pkg/version"
)

// Name identifies one of the fixed collaborator tools in the pivot/wave2/
// citations dispatch sequence (spec.md §4.3 step 4).
type Name string

const (
	PivotAnalyzer     Name = "pivot_analyzer"
	Wave2Planner      Name = "wave2_planner"
	Wave2Execution    Name = "wave2_execution"
	CitationValidator Name = "citation_validator_ladder"
)

// Executor invokes a named collaborator tool over MCP and decodes its
// envelope into a typed Result, generalizing the teacher's
// pkg/mcp.ToolExecutor Execute/ToolResult pattern to the closed Result[T]
// sum type (SPEC_FULL DESIGN NOTES §9).
type Executor struct {
	session *mcp.ClientSession
}

// NewExecutor wraps an already-connected MCP client session.
func NewExecutor(session *mcp.ClientSession) *Executor {
	return &Executor{session: session}
}

// Connect dials an MCP server over the given transport and returns an
// Executor bound to the resulting session. The client identifies itself
// with version.AppName/version.GitCommit, the same handshake identity
// reported on /health.
func Connect(ctx context.Context, transport mcp.Transport) (*Executor, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: version.AppName, Version: version.GitCommit}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to mcp server: %w", err)
	}
	return NewExecutor(session), nil
}

// Execute calls name with args and decodes the tool's structured output
// into T, translating an MCP-level tool error or a decode failure into
// the Err variant rather than returning a Go error — every collaborator
// call in the pivot/wave2/citations sequence is a black box that either
// produces a typed envelope or a typed failure, never a bare exception.
func Execute[T any](ctx context.Context, ex *Executor, name Name, args map[string]any) Result[T] {
	res, err := ex.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      string(name),
		Arguments: args,
	})
	if err != nil {
		return Err[T](string(name)+"_call_failed", err.Error(), nil)
	}
	if res.IsError {
		return Err[T](string(name)+"_tool_error", toolErrorMessage(res), nil)
	}

	raw, err := structuredContentBytes(res)
	if err != nil {
		return Err[T](string(name)+"_malformed_envelope", err.Error(), nil)
	}

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Err[T](string(name)+"_decode_failed", err.Error(), map[string]any{"raw": string(raw)})
	}
	return Ok(decoded)
}

func toolErrorMessage(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return "tool reported an error with no text content"
}

func structuredContentBytes(res *mcp.CallToolResult) ([]byte, error) {
	if res.StructuredContent != nil {
		return json.Marshal(res.StructuredContent)
	}
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			return []byte(text.Text), nil
		}
	}
	return nil, fmt.Errorf("tool result has neither structured content nor text content")
}
