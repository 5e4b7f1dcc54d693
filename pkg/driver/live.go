package driver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const runAgentMethod = "/drorc.agentrunner.v1.AgentRunner/RunAgent"

// LiveDriver dispatches wave work to an external agent-runner process over
// gRPC — grounded on the teacher's pkg/agent/llm_grpc.go, a thin typed
// wrapper around a single unary RPC to an LLM backend. Request/response
// payloads travel as google.protobuf.Struct so the wire contract can grow
// new agent-runner fields without a matching typed-stub regeneration for
// every release.
type LiveDriver struct {
	conn *grpc.ClientConn
}

// DialLiveDriver opens a gRPC connection to an agent-runner endpoint. It
// always dials with insecure (plaintext) transport credentials; there is
// no TLS option.
func DialLiveDriver(target string) (*LiveDriver, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial agent runner at %s: %w", target, err)
	}
	return &LiveDriver{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *LiveDriver) Close() error {
	return d.conn.Close()
}

// Name implements Driver.
func (d *LiveDriver) Name() string { return "live" }

// Dispatch implements Driver: calls run_agent for each plan entry in
// order and returns the markdown as Outputs (spec.md §4.3 step 4,
// "init/wave1 under live"). It writes nothing to disk; the tick engine
// persists the outputs.
func (d *LiveDriver) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	outputs := make([]WaveOutput, 0, len(req.Plan.Entries))
	for _, entry := range req.Plan.Entries {
		reqStruct, err := structpb.NewStruct(map[string]any{
			"stage":          req.Stage,
			"perspective_id": entry.PerspectiveID,
			"run_root":       req.RunRoot,
			"prompt_md":      entry.PromptMD,
		})
		if err != nil {
			return DispatchResult{}, fmt.Errorf("encode run_agent request: %w", err)
		}

		respStruct := &structpb.Struct{}
		if err := d.conn.Invoke(ctx, runAgentMethod, reqStruct, respStruct); err != nil {
			return DispatchResult{}, fmt.Errorf("run_agent(%s): %w", entry.PerspectiveID, err)
		}

		outputs = append(outputs, WaveOutput{
			PerspectiveID: entry.PerspectiveID,
			Markdown:      respStruct.Fields["markdown"].GetStringValue(),
			AgentRunID:    respStruct.Fields["agent_run_id"].GetStringValue(),
		})
	}
	return DispatchResult{Outputs: outputs}, nil
}
