package tick

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/store"
)

// ticksLedgerPath and telemetryLedgerPath are the append-only logs tick
// observability writes to (spec.md §4.3 step 2, §5).
func ticksLedgerPath(runRoot string) string {
	return filepath.Join(runRoot, "logs", "ticks.jsonl")
}

func telemetryLedgerPath(runRoot string) string {
	return filepath.Join(runRoot, "logs", "telemetry.jsonl")
}

func runMetricsPath(runRoot string) string {
	return filepath.Join(runRoot, "run-metrics.json")
}

// tickRecord is one ticks.jsonl entry (phase=start or phase=finish).
type tickRecord struct {
	Phase        string `json:"phase"`
	TickIndex    int    `json:"tick_index"`
	Stage        string `json:"stage"`
	StageAttempt int    `json:"stage_attempt"`
	Reason       string `json:"reason,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
	FailureKind  string `json:"failure_kind,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	At           string `json:"at"`
}

// telemetryEvent is one telemetry.jsonl record.
type telemetryEvent struct {
	Event        string `json:"event"`
	TickIndex    int    `json:"tick_index"`
	Stage        string `json:"stage"`
	StageAttempt int    `json:"stage_attempt"`
	FromAttempt  int    `json:"from_attempt,omitempty"`
	ToAttempt    int    `json:"to_attempt,omitempty"`
	InputsDigest string `json:"inputs_digest,omitempty"`
	At           string `json:"at"`
}

// nextTickIndex computes tick_index = max(existing) + 1 over ticks.jsonl
// (spec.md §4.3 step 2).
func nextTickIndex(runRoot string) (int, error) {
	max := 0
	err := store.ReadJSONL(ticksLedgerPath(runRoot), func(line []byte) error {
		var rec tickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.TickIndex > max {
			max = rec.TickIndex
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// stageAttempt computes 1 + count(stage_started events for stage) over
// ticks.jsonl (spec.md §4.3 step 2).
func stageAttempt(runRoot, stage string) (int, error) {
	count := 0
	err := store.ReadJSONL(ticksLedgerPath(runRoot), func(line []byte) error {
		var rec tickRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.Phase == "start" && rec.Stage == stage {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// inputsDigest digests the canonical input tuple that identifies this
// tick's attempt (spec.md §4.3 step 2).
func inputsDigest(runID, stage string, tickIndex, stageAttempt, manifestRevision int) (string, error) {
	return store.Digest(map[string]any{
		"run_id":            runID,
		"stage":             stage,
		"tick_index":        tickIndex,
		"stage_attempt":     stageAttempt,
		"manifest_revision": manifestRevision,
	})
}

func appendTickStart(runRoot string, tickIndex int, stage string, attempt int, reason string) error {
	return store.AppendJSONL(ticksLedgerPath(runRoot), tickRecord{
		Phase: "start", TickIndex: tickIndex, Stage: stage, StageAttempt: attempt,
		Reason: reason, At: nowUTC(),
	})
}

func appendTickFinish(runRoot string, tickIndex int, stage string, attempt int, outcome, failureKind string, retryable bool) error {
	return store.AppendJSONL(ticksLedgerPath(runRoot), tickRecord{
		Phase: "finish", TickIndex: tickIndex, Stage: stage, StageAttempt: attempt,
		Outcome: outcome, FailureKind: failureKind, Retryable: retryable, At: nowUTC(),
	})
}

func appendTelemetry(runRoot, event, stage string, tickIndex, attempt int, digest string) error {
	return store.AppendJSONL(telemetryLedgerPath(runRoot), telemetryEvent{
		Event: event, TickIndex: tickIndex, Stage: stage, StageAttempt: attempt,
		InputsDigest: digest, At: nowUTC(),
	})
}

func appendRetryPlanned(runRoot, stage string, tickIndex, fromAttempt, toAttempt int) error {
	return store.AppendJSONL(telemetryLedgerPath(runRoot), telemetryEvent{
		Event: "stage_retry_planned", TickIndex: tickIndex, Stage: stage,
		FromAttempt: fromAttempt, ToAttempt: toAttempt, At: nowUTC(),
	})
}

// runMetrics is the run-metrics.json document refreshed on stage
// boundaries (spec.md §4.3 step 6).
type runMetrics struct {
	SchemaVersion    string `json:"schema_version"`
	LastTelemetrySeq int    `json:"last_telemetry_seq"`
	TotalTicks       int    `json:"total_ticks"`
	StageCurrent     string `json:"stage_current"`
	UpdatedAt        string `json:"updated_at"`
}

// MetricsWriteResult reports whether run_metrics_write actually touched
// disk (spec.md §4.3 step 6: "MUST be skip-safe").
type MetricsWriteResult struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// refreshRunMetrics is skip-safe: if the telemetry ledger's record count
// (its "last-seq pointer") has not advanced since the last write, it
// returns {skipped: true} without touching disk.
func refreshRunMetrics(runRoot, stageCurrent string) (MetricsWriteResult, error) {
	telemetrySeq, err := store.CountJSONL(telemetryLedgerPath(runRoot))
	if err != nil {
		return MetricsWriteResult{}, err
	}

	path := runMetricsPath(runRoot)
	var existing runMetrics
	if err := store.ReadJSON(path, &existing); err == nil && existing.LastTelemetrySeq == telemetrySeq {
		return MetricsWriteResult{Skipped: true, Reason: "telemetry unchanged"}, nil
	}

	totalTicks, err := store.CountJSONL(ticksLedgerPath(runRoot))
	if err != nil {
		return MetricsWriteResult{}, err
	}

	m := runMetrics{
		SchemaVersion:    "run_metrics.v1",
		LastTelemetrySeq: telemetrySeq,
		TotalTicks:       totalTicks,
		StageCurrent:     stageCurrent,
		UpdatedAt:        nowUTC(),
	}
	if err := store.WriteJSONAtomic(path, m); err != nil {
		return MetricsWriteResult{}, err
	}
	return MetricsWriteResult{}, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
