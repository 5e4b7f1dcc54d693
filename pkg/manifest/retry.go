package manifest

// RetryDirectives is the on-disk retry/retry-directives.json document
// (spec.md §4.2: "wave1 → wave1 (retry directives present)"). An
// operator (or triage flow) writes this to ask the wave1 stage to redo
// specific perspectives instead of advancing to pivot.
//
// ConsumedAt is stamped by the wave1 dispatcher the moment it starts
// acting on the directive — before the retry's agent work runs (spec.md
// §9 Open Question: "adopt 'before retry execution' to preserve
// at-most-once retry semantics"). A directive with ConsumedAt already
// set is stale evidence of a retry already dispatched and is archived
// away rather than acted on again.
type RetryDirectives struct {
	SchemaVersion  string   `json:"schema_version"`
	PerspectiveIDs []string `json:"perspective_ids"`
	Reason         string   `json:"reason,omitempty"`
	ConsumedAt     string   `json:"consumed_at,omitempty"`
}
