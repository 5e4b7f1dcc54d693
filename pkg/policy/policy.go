// Package policy resolves per-run policy — stage timeouts, retry budgets,
// and citation-ladder parameters — from three layered sources: built-in
// defaults, the run's baked-in run-config/policy.json, and DRORC_*
// environment variables (highest precedence). Resolved policy is derived,
// never persisted back to the manifest.
package policy

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"

	"github.com/codeready-toolchain/drorc/pkg/store"
)

// StageTimeouts maps a stage name to its watchdog timeout in seconds,
// schema-tagged stage_timeouts_seconds_v1 per spec.md §4.4.
type StageTimeouts map[string]int

// LadderParams bound the citation validator ladder's retry behavior
// (spec.md §5).
type LadderParams struct {
	DirectFetchMaxAttempts int `json:"direct_fetch_max_attempts"`
	InitialBackoffMillis   int `json:"initial_backoff_millis"`
	MaxBackoffMillis       int `json:"max_backoff_millis"`
	MaxConcurrency         int `json:"max_concurrency"`
	CacheTTLSeconds        int `json:"cache_ttl_seconds"`
}

// RetryBudgets bound stage-retry attempts.
type RetryBudgets struct {
	MaxStageRetries int `json:"max_stage_retries"`
	MaxReviewCycles int `json:"max_review_cycles"`
}

// Policy is the fully resolved, in-memory-only policy for one tick.
type Policy struct {
	StageTimeouts              StageTimeouts `json:"stage_timeouts_seconds_v1"`
	RetryBudgets               RetryBudgets  `json:"retry_budgets"`
	Ladder                     LadderParams  `json:"citation_ladder"`
	TickIntervalSeconds        int           `json:"tick_interval_seconds"`
	HeartbeatIntervalMillis    int           `json:"heartbeat_interval_millis"`
	LockLeaseSeconds           int           `json:"lock_lease_seconds"`
	TickInProgressStaleMinutes int           `json:"tick_in_progress_stale_minutes"`
}

// fileOverlay is the shape of run-config/policy.json; every field is a
// pointer so an absent key in the overlay leaves the default untouched.
type fileOverlay struct {
	StageTimeouts              StageTimeouts `json:"stage_timeouts_seconds_v1,omitempty"`
	RetryBudgets               *RetryBudgets `json:"retry_budgets,omitempty"`
	Ladder                     *LadderParams `json:"citation_ladder,omitempty"`
	TickIntervalSeconds        *int          `json:"tick_interval_seconds,omitempty"`
	HeartbeatIntervalMillis    *int          `json:"heartbeat_interval_millis,omitempty"`
	LockLeaseSeconds           *int          `json:"lock_lease_seconds,omitempty"`
	TickInProgressStaleMinutes *int          `json:"tick_in_progress_stale_minutes,omitempty"`
}

// Defaults returns the built-in baseline policy (spec.md §4.3/§4.4/§5).
func Defaults() Policy {
	return Policy{
		StageTimeouts: StageTimeouts{
			"init":         60,
			"perspectives": 600,
			"wave1":        1800,
			"pivot":        600,
			"wave2":        1800,
			"citations":    900,
			"summaries":    600,
			"synthesis":    900,
			"review":       600,
			"finalize":     120,
		},
		RetryBudgets: RetryBudgets{
			MaxStageRetries: 3,
			MaxReviewCycles: 3,
		},
		Ladder: LadderParams{
			DirectFetchMaxAttempts: 2,
			InitialBackoffMillis:   500,
			MaxBackoffMillis:       30_000,
			MaxConcurrency:         3,
			CacheTTLSeconds:        604_800,
		},
		TickIntervalSeconds:        30,
		HeartbeatIntervalMillis:    10_000,
		LockLeaseSeconds:           120,
		TickInProgressStaleMinutes: 5,
	}
}

// Resolve layers defaults < run-config/policy.json (if present at
// policyPath) < DRORC_* environment variables, and logs the resolved
// policy once at debug level for audit (spec.md SPEC_FULL supplement 1).
func Resolve(policyPath string, env []string) (Policy, error) {
	p := Defaults()

	if policyPath != "" {
		if _, err := os.Stat(policyPath); err == nil {
			var overlay fileOverlay
			if err := store.ReadJSON(policyPath, &overlay); err != nil {
				return Policy{}, err
			}
			applyFileOverlay(&p, overlay)
		} else if !os.IsNotExist(err) {
			return Policy{}, err
		}
	}

	applyEnvOverlay(&p, env)

	resolved, _ := json.Marshal(p)
	slog.Debug("policy resolved", "policy", string(resolved))
	return p, nil
}

func applyFileOverlay(p *Policy, o fileOverlay) {
	for stage, seconds := range o.StageTimeouts {
		p.StageTimeouts[stage] = seconds
	}
	if o.RetryBudgets != nil {
		p.RetryBudgets = *o.RetryBudgets
	}
	if o.Ladder != nil {
		p.Ladder = *o.Ladder
	}
	if o.TickIntervalSeconds != nil {
		p.TickIntervalSeconds = *o.TickIntervalSeconds
	}
	if o.HeartbeatIntervalMillis != nil {
		p.HeartbeatIntervalMillis = *o.HeartbeatIntervalMillis
	}
	if o.LockLeaseSeconds != nil {
		p.LockLeaseSeconds = *o.LockLeaseSeconds
	}
	if o.TickInProgressStaleMinutes != nil {
		p.TickInProgressStaleMinutes = *o.TickInProgressStaleMinutes
	}
}

// applyEnvOverlay reads DRORC_*-prefixed entries out of env (normally
// os.Environ(), injected for testability) and overlays scalar policy
// fields. Per-stage timeout overrides use DRORC_STAGE_TIMEOUT_<STAGE>.
func applyEnvOverlay(p *Policy, env []string) {
	lookup := envMap(env)

	if v, ok := intFromEnv(lookup, "DRORC_TICK_INTERVAL_SECONDS"); ok {
		p.TickIntervalSeconds = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_HEARTBEAT_INTERVAL_MILLIS"); ok {
		p.HeartbeatIntervalMillis = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_LOCK_LEASE_SECONDS"); ok {
		p.LockLeaseSeconds = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_MAX_STAGE_RETRIES"); ok {
		p.RetryBudgets.MaxStageRetries = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_MAX_REVIEW_CYCLES"); ok {
		p.RetryBudgets.MaxReviewCycles = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_CITATION_DIRECT_FETCH_MAX_ATTEMPTS"); ok {
		p.Ladder.DirectFetchMaxAttempts = v
	}
	if v, ok := intFromEnv(lookup, "DRORC_CITATION_MAX_CONCURRENCY"); ok {
		p.Ladder.MaxConcurrency = v
	}

	for stage := range p.StageTimeouts {
		key := "DRORC_STAGE_TIMEOUT_" + envStageName(stage)
		if v, ok := intFromEnv(lookup, key); ok {
			p.StageTimeouts[stage] = v
		}
	}
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func intFromEnv(lookup map[string]string, key string) (int, bool) {
	raw, ok := lookup[key]
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring non-integer policy env override", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

func envStageName(stage string) string {
	out := make([]byte, 0, len(stage))
	for i := 0; i < len(stage); i++ {
		c := stage[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// TimeoutFor returns the watchdog timeout for a stage, or 0 if unknown.
func (p Policy) TimeoutFor(stage string) int {
	return p.StageTimeouts[stage]
}
