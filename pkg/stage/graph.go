// Package stage implements the pipeline's stage machine (spec.md §4.2):
// the fixed directed graph of stages, its controlled regressions, and the
// Advance operation that evaluates a closed set of checks before allowing
// a transition.
package stage

// Name identifies one stage in the graph.
type Name string

const (
	Init         Name = "init"
	Perspectives Name = "perspectives"
	Wave1        Name = "wave1"
	Pivot        Name = "pivot"
	Wave2        Name = "wave2"
	Citations    Name = "citations"
	Summaries    Name = "summaries"
	Synthesis    Name = "synthesis"
	Review       Name = "review"
	Finalize     Name = "finalize"
	Done         Name = "done"
)

// Edge is one legal transition out of a stage, with the checks that must
// all pass for the transition to be allowed.
type Edge struct {
	From   Name
	To     Name
	Checks []Check
}

// graph is the fixed transition table (spec.md §4.2). When requested_next
// is omitted, a target is inferred only where a single edge leaves the
// stage; the init -> wave1 shortcut is never inferred, so init infers
// perspectives, and stages with several edges (review) need requested_next.
var graph = []Edge{
	{From: Init, To: Perspectives, Checks: []Check{
		ArtifactCheck("perspectives.json"),
	}},
	{From: Perspectives, To: Wave1, Checks: []Check{
		GateCheck("A"),
		ArtifactCheck("wave-1/wave1-plan.json"),
	}},
	{From: Wave1, To: Wave1, Checks: []Check{
		CustomCheck("retry_directives_present", retryDirectivesPresent),
	}},
	{From: Wave1, To: Pivot, Checks: []Check{
		GateCheck("B"),
	}},
	{From: Pivot, To: Wave2, Checks: []Check{
		GateCheck("C"),
		ArtifactCheck("wave-2/wave2-plan.json"),
	}},
	{From: Wave2, To: Citations, Checks: []Check{
		GateCheck("D"),
	}},
	{From: Citations, To: Summaries, Checks: []Check{
		ArtifactCheck("citations/citations.json"),
	}},
	{From: Summaries, To: Synthesis, Checks: []Check{
		ArtifactCheck("summaries/summaries.json"),
	}},
	{From: Synthesis, To: Review, Checks: []Check{
		GateCheck("E"),
		ArtifactCheck("synthesis/report.md"),
	}},
	{From: Review, To: Wave2, Checks: []Check{
		CustomCheck("gate_d_flipped", gateDFlipped),
	}},
	{From: Review, To: Synthesis, Checks: []Check{
		CustomCheck("scaffold_rewrite_requested", scaffoldRewriteRequested),
	}},
	{From: Review, To: Finalize, Checks: []Check{
		GateCheck("E"),
		GateCheck("F"),
	}},
	{From: Finalize, To: Done, Checks: []Check{
		ArtifactCheck("final/report.md"),
	}},
	// init -> wave1 shortcut (spec.md §4.2): permitted when perspectives
	// and the wave1 plan already exist, e.g. via init --write-perspectives.
	// The manifest still records init -> perspectives -> wave1 in history
	// (see Advance).
	{From: Init, To: Wave1, Checks: []Check{
		ArtifactCheck("perspectives.json"),
		GateCheck("A"),
		ArtifactCheck("wave-1/wave1-plan.json"),
	}},
}

// EdgesFrom returns the declared edges leaving a stage, in declaration
// order (canonical edge first).
func EdgesFrom(from Name) []Edge {
	var out []Edge
	for _, e := range graph {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// EdgeTo looks up the declared edge from -> to, if any.
func EdgeTo(from, to Name) (Edge, bool) {
	for _, e := range graph {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}
