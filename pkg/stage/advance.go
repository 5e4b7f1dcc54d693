package stage

import (
	"fmt"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/manifest"
)

// Decision is the result of evaluating a (possibly rejected) transition
// (spec.md §4.2: {from, to, evaluated}).
type Decision struct {
	From      Name     `json:"from"`
	To        Name     `json:"to"`
	Evaluated []Result `json:"evaluated"`
	Allowed   bool     `json:"allowed"`
}

// Blockers returns the subset of Evaluated that failed.
func (d Decision) Blockers() []Result {
	var out []Result
	for _, r := range d.Evaluated {
		if !r.OK {
			out = append(out, r)
		}
	}
	return out
}

// resolveTarget infers requestedNext when omitted (the single canonical
// edge), or validates it against the declared edges otherwise.
func resolveTarget(from Name, requestedNext Name) (Name, []Check, error) {
	edges := EdgesFrom(from)
	if len(edges) == 0 {
		return "", nil, coreerr.New(coreerr.InvalidState, fmt.Sprintf("stage %q has no outgoing edges", from))
	}
	if requestedNext == "" {
		// The init -> wave1 shortcut is only taken when requested explicitly.
		canonical := make([]Edge, 0, len(edges))
		for _, e := range edges {
			if !(e.From == Init && e.To == Wave1) {
				canonical = append(canonical, e)
			}
		}
		if len(canonical) != 1 {
			return "", nil, coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("stage %q has multiple outgoing edges; requested_next is required", from))
		}
		return canonical[0].To, canonical[0].Checks, nil
	}
	for _, e := range edges {
		if e.To == requestedNext {
			return e.To, e.Checks, nil
		}
	}
	return "", nil, coreerr.New(coreerr.InvalidArgs, fmt.Sprintf("no declared edge %s -> %s", from, requestedNext))
}

// Evaluate computes the Decision for a candidate transition without
// mutating any state — the basis for both dry-run triage (C8) and the
// real Advance below.
func Evaluate(ctx Context, requestedNext Name) (Decision, error) {
	from := Name(ctx.Manifest.Stage.Current)
	to, checks, err := resolveTarget(from, requestedNext)
	if err != nil {
		return Decision{}, err
	}

	evaluated := make([]Result, 0, len(checks))
	allowed := true
	for _, c := range checks {
		r := c.Evaluate(ctx)
		evaluated = append(evaluated, r)
		if !r.OK {
			allowed = false
		}
	}

	return Decision{From: from, To: to, Evaluated: evaluated, Allowed: allowed}, nil
}

// Advance evaluates the candidate transition and, if every check passes,
// returns the manifest patch the caller must write under the run lock
// (spec.md §4.2: "writing stage.current is the last step of a successful
// transition; history append and last_progress_at update are part of the
// same patch"). Advance never writes the manifest itself — its callers
// (pkg/tick's engine and ops.StageAdvance) write it under the run lock.
func Advance(ctx Context, requestedNext Name, reason string) (Decision, map[string]any, error) {
	decision, err := Evaluate(ctx, requestedNext)
	if err != nil {
		return Decision{}, nil, err
	}
	if !decision.Allowed {
		return decision, nil, coreerr.New(coreerr.StageAdvanceBlocked, fmt.Sprintf("transition %s -> %s blocked", decision.From, decision.To)).
			WithDetails(map[string]any{"evaluated": decision.Evaluated, "reason": reason})
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	history := append([]manifest.StageTransition{}, ctx.Manifest.Stage.History...)
	if decision.From == Init && decision.To == Wave1 {
		// The init -> wave1 shortcut still records the full canonical
		// path through perspectives in history (spec.md §4.2).
		history = append(history,
			manifest.StageTransition{From: string(Init), To: string(Perspectives), At: now},
			manifest.StageTransition{From: string(Perspectives), To: string(Wave1), At: now},
		)
	} else {
		history = append(history, manifest.StageTransition{
			From: string(decision.From),
			To:   string(decision.To),
			At:   now,
		})
	}

	patch := map[string]any{
		"stage": map[string]any{
			"current":          string(decision.To),
			"started_at":       now,
			"last_progress_at": now,
			"history":          history,
		},
	}
	return decision, patch, nil
}
