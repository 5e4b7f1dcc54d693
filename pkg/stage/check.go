package stage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/codeready-toolchain/drorc/pkg/manifest"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// Context is everything a Check needs to evaluate against, kept narrow
// and explicit rather than threading the whole tick engine through.
type Context struct {
	RunRoot  string
	Manifest *manifest.Manifest
	Gates    *manifest.Gates
}

// Result is one evaluated check's verdict, returned verbatim in the
// dry-run / decision payload so a caller can see exactly what blocked.
type Result struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// kind tags which variant of the closed Check sum type a value is.
type kind int

const (
	kindArtifact kind = iota
	kindGate
	kindCustom
)

// predicate is a named custom-check function (spec.md §9: Custom{name,
// predicate_id}).
type predicate func(ctx Context) (bool, string)

// Check is the closed sum type Artifact{name,path} | Gate{id} |
// Custom{name,predicate_id} from spec.md §9 — never a duck-typed record.
// Construct via ArtifactCheck/GateCheck/CustomCheck; evaluate via Evaluate.
type Check struct {
	kind      kind
	name      string
	path      string
	gateID    manifest.GateID
	predicate predicate
}

// ArtifactCheck requires that a named path (relative to the run root)
// exists — JSON-tagged paths must also parse, non-JSON artifacts (report
// markdown) only need to exist.
func ArtifactCheck(relPath string) Check {
	return Check{kind: kindArtifact, name: relPath, path: relPath}
}

// GateCheck requires that the named gate's status is pass.
func GateCheck(id manifest.GateID) Check {
	return Check{kind: kindGate, name: string(id), gateID: id}
}

// CustomCheck requires that the named predicate hold.
func CustomCheck(name string, p predicate) Check {
	return Check{kind: kindCustom, name: name, predicate: p}
}

// Evaluate runs the check against ctx and returns its Result.
func (c Check) Evaluate(ctx Context) Result {
	switch c.kind {
	case kindArtifact:
		return c.evaluateArtifact(ctx)
	case kindGate:
		return c.evaluateGate(ctx)
	case kindCustom:
		return c.evaluateCustom(ctx)
	default:
		return Result{Kind: "unknown", Name: c.name, OK: false, Detail: "unrecognized check kind"}
	}
}

func (c Check) evaluateArtifact(ctx Context) Result {
	resolved, err := store.ResolveWithin(ctx.RunRoot, c.path)
	if err != nil {
		return Result{Kind: "artifact", Name: c.name, OK: false, Detail: err.Error()}
	}

	if filepath.Ext(resolved) != ".json" {
		if _, err := os.Stat(resolved); err != nil {
			return Result{Kind: "artifact", Name: c.name, OK: false, Detail: fmt.Sprintf("missing: %v", err)}
		}
		return Result{Kind: "artifact", Name: c.name, OK: true}
	}

	var probe any
	if err := store.ReadJSON(resolved, &probe); err != nil {
		return Result{Kind: "artifact", Name: c.name, OK: false, Detail: fmt.Sprintf("missing or unparsable: %v", err)}
	}
	return Result{Kind: "artifact", Name: c.name, OK: true}
}

func (c Check) evaluateGate(ctx Context) Result {
	g := ctx.Gates.Get(c.gateID)
	if g.Status != manifest.GatePass {
		return Result{Kind: "gate", Name: c.name, OK: false, Detail: fmt.Sprintf("gate %s status=%s", c.gateID, g.Status)}
	}
	return Result{Kind: "gate", Name: c.name, OK: true}
}

func (c Check) evaluateCustom(ctx Context) Result {
	ok, detail := c.predicate(ctx)
	return Result{Kind: "custom", Name: c.name, OK: ok, Detail: detail}
}

// --- custom predicates referenced by the stage graph ---

func retryDirectivesPresent(ctx Context) (bool, string) {
	path := filepath.Join(ctx.RunRoot, "retry", "retry-directives.json")
	var probe any
	if err := store.ReadJSON(path, &probe); err != nil {
		return false, "no pending retry-directives.json"
	}
	return true, ""
}

func gateDFlipped(ctx Context) (bool, string) {
	if ctx.Gates.Get(manifest.GateD).Status == manifest.GateFail {
		return true, ""
	}
	return false, "gate D has not flipped to fail since synthesis"
}

func scaffoldRewriteRequested(ctx Context) (bool, string) {
	path := filepath.Join(ctx.RunRoot, "review", "scaffold-rewrite-requested.json")
	var probe any
	if err := store.ReadJSON(path, &probe); err != nil {
		return false, "no scaffold rewrite request on file"
	}
	return true, ""
}
