// Package coreerr defines the stable error-code taxonomy shared by every
// core component. Every error that crosses a tick or CLI boundary carries
// a Code so callers can classify it without string matching.
package coreerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier (spec.md §7).
type Code string

const (
	// Input/validation
	InvalidArgs   Code = "INVALID_ARGS"
	PathTraversal Code = "PATH_TRAVERSAL"
	InvalidState  Code = "INVALID_STATE"

	// Concurrency
	RevisionConflict       Code = "REVISION_CONFLICT"
	LockHeld               Code = "LOCK_HELD"
	LockNotOwned           Code = "LOCK_NOT_OWNED"
	PreviousTickIncomplete Code = "PREVIOUS_TICK_INCOMPLETE"

	// Stage
	StageAdvanceBlocked Code = "STAGE_ADVANCE_BLOCKED"
	Wave1PlanStale      Code = "WAVE1_PLAN_STALE"
	Wave2PlanStale      Code = "WAVE2_PLAN_STALE"

	// Agent ingest
	RunAgentRequired                Code = "RUN_AGENT_REQUIRED"
	RunAgentFailed                  Code = "RUN_AGENT_FAILED"
	AgentResultPromptDigestConflict Code = "AGENT_RESULT_PROMPT_DIGEST_CONFLICT"
	AgentResultMetaConflict         Code = "AGENT_RESULT_META_CONFLICT"
	AgentResultConflict             Code = "AGENT_RESULT_CONFLICT"
	PerspectivesOutputInvalid       Code = "PERSPECTIVES_OUTPUT_INVALID"
	HumanReviewRequired             Code = "HUMAN_REVIEW_REQUIRED"

	// Watchdog
	WatchdogTimeout Code = "WATCHDOG_TIMEOUT"

	// Tool/IO
	ToolFailed Code = "TOOL_FAILED"
	Unknown    Code = "UNKNOWN"

	// CLI
	CLIParseError   Code = "CLI_PARSE_ERROR"
	CLIError        Code = "CLI_ERROR"
	TickCapExceeded Code = "TICK_CAP_EXCEEDED"
	Paused          Code = "PAUSED"
)

// CoreError is the concrete error type returned across package boundaries.
// It wraps an underlying cause (optional) and always carries a Code and a
// human-readable Message, plus free-form Details for structured context
// (e.g. the evaluated-check list for STAGE_ADVANCE_BLOCKED).
type CoreError struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// New constructs a CoreError with no cause.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap constructs a CoreError around an existing error, preserving it as
// the Unwrap() target.
func Wrap(code Code, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured details and returns the same error for
// chaining at the call site.
func (e *CoreError) WithDetails(details map[string]any) *CoreError {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) a *CoreError,
// otherwise returns Unknown.
func CodeOf(err error) Code {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unknown
}

// Is allows errors.Is(err, coreerr.New(code, "")) style comparisons by code
// rather than by message or pointer identity.
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

// Retryable mirrors the retry classification in spec.md §4.3: a code
// matching WATCHDOG_TIMEOUT is never retryable; STAGE_ADVANCE_BLOCKED
// without a fatal sub-code is retryable by the tick loop.
func Retryable(code Code) bool {
	switch code {
	case WatchdogTimeout, RunAgentRequired, PathTraversal, InvalidState,
		RevisionConflict, LockHeld, LockNotOwned, PreviousTickIncomplete:
		return false
	default:
		return true
	}
}
