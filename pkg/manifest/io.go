package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
	"github.com/codeready-toolchain/drorc/pkg/store"
)

// Loaded pairs a parsed Manifest with the revision it was read at, so
// callers can present that exact revision back to Write as
// expected_revision (spec.md §4.1).
type Loaded struct {
	Manifest *Manifest
	Revision int
}

// Read parses the manifest at path, rejecting non-object documents and
// schema-version mismatches.
func Read(path string) (*Loaded, error) {
	var m Manifest
	if err := store.ReadJSON(path, &m); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Loaded{Manifest: &m, Revision: m.Revision}, nil
}

// Write deep-merges patch into the manifest at path, bumping revision
// from expectedRevision, and returns the new revision. Fails with
// RevisionConflict if the on-disk revision does not match.
func Write(path string, expectedRevision int, patch map[string]any, reason string) (int, error) {
	newRev, err := store.WriteRevisioned(path, expectedRevision, patch)
	if err != nil {
		return 0, err
	}
	if err := validateWritten(path); err != nil {
		return 0, err
	}
	return newRev, nil
}

func validateWritten(path string) error {
	loaded, err := Read(path)
	if err != nil {
		return coreerr.Wrap(coreerr.InvalidState, "manifest failed validation after write", err)
	}
	_ = loaded
	return nil
}

// Create writes a brand-new manifest document (revision already set to 1
// by New) atomically, failing if one already exists at path.
func Create(path string, m *Manifest) error {
	if _, err := os.Stat(path); err == nil {
		return coreerr.New(coreerr.InvalidState, fmt.Sprintf("manifest already exists at %s", path))
	}
	if err := m.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("normalize manifest: %w", err)
	}
	return store.WriteJSONAtomic(path, doc)
}
