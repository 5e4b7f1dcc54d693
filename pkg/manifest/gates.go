package manifest

import (
	"os"
	"path/filepath"

	"github.com/codeready-toolchain/drorc/pkg/store"
)

// GateID identifies one of the six pipeline gates (spec.md §3 GLOSSARY).
type GateID string

const (
	GateA GateID = "A"  // perspectives accepted
	GateB GateID = "B"  // wave-1 reviewed
	GateC GateID = "C"  // pivot complete
	GateD GateID = "D"  // wave-2 reviewed
	GateE GateID = "E"  // synthesis acceptable
	GateF GateID = "F"  // final review decision
)

// GateStatus is a gate's current verdict.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePass    GateStatus = "pass"
	GateFail    GateStatus = "fail"
)

// Gate is one gate record (spec.md §3).
type Gate struct {
	Status    GateStatus     `json:"status"`
	CheckedAt string         `json:"checked_at,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Notes     string         `json:"notes,omitempty"`
}

// Gates is the full gate record G = {A..F}.
type Gates struct {
	A Gate `json:"A"`
	B Gate `json:"B"`
	C Gate `json:"C"`
	D Gate `json:"D"`
	E Gate `json:"E"`
	F Gate `json:"F"`
}

// Get returns the named gate by ID.
func (g *Gates) Get(id GateID) Gate {
	switch id {
	case GateA:
		return g.A
	case GateB:
		return g.B
	case GateC:
		return g.C
	case GateD:
		return g.D
	case GateE:
		return g.E
	case GateF:
		return g.F
	default:
		return Gate{Status: GatePending}
	}
}

// Set updates the named gate in place; an unknown id is ignored.
func (g *Gates) Set(id GateID, gate Gate) {
	switch id {
	case GateA:
		g.A = gate
	case GateB:
		g.B = gate
	case GateC:
		g.C = gate
	case GateD:
		g.D = gate
	case GateE:
		g.E = gate
	case GateF:
		g.F = gate
	}
}

// NewGates returns a Gates record with every gate pending.
func NewGates() *Gates {
	pending := Gate{Status: GatePending}
	return &Gates{A: pending, B: pending, C: pending, D: pending, E: pending, F: pending}
}

// GatesPath returns the absolute gates.json path for a run root.
func GatesPath(runRoot string) string {
	return filepath.Join(runRoot, "gates.json")
}

// ReadGates loads gates.json, or returns a fresh all-pending record if it
// does not exist yet (a brand-new run before its first gate check).
func ReadGates(path string) (*Gates, error) {
	var g Gates
	err := store.ReadJSON(path, &g)
	if err != nil {
		if os.IsNotExist(err) {
			return NewGates(), nil
		}
		return nil, err
	}
	return &g, nil
}

// WriteGates atomically replaces gates.json.
func WriteGates(path string, g *Gates) error {
	return store.WriteJSONAtomic(path, g)
}
