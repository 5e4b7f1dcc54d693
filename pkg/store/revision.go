package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// RevisionedDoc is the generic envelope every optimistic-concurrency
// artifact shares: a monotonic revision and a monotone-non-decreasing
// updated_at, alongside arbitrary document fields (spec.md §3, §4.1).
type RevisionedDoc struct {
	Revision  int    `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// ReadRevisioned parses the JSON object at path and returns it as a generic
// map alongside its revision, rejecting non-object documents.
func ReadRevisioned(path string) (map[string]any, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, coreerr.Wrap(coreerr.InvalidState, "manifest is not a JSON object", err)
	}
	rev, err := revisionOf(doc)
	if err != nil {
		return nil, 0, err
	}
	return doc, rev, nil
}

// WriteRevisioned deep-merges patch into the document at path, bumps
// revision to expectedRevision+1, sets updated_at, and performs an atomic
// replace. Fails with RevisionConflict if the on-disk revision does not
// equal expectedRevision. Returns the new revision on success.
func WriteRevisioned(path string, expectedRevision int, patch map[string]any) (int, error) {
	doc, onDiskRev, err := ReadRevisioned(path)
	if err != nil {
		return 0, fmt.Errorf("read %s for revisioned write: %w", path, err)
	}
	if onDiskRev != expectedRevision {
		return 0, coreerr.New(coreerr.RevisionConflict,
			fmt.Sprintf("expected revision %d, found %d", expectedRevision, onDiskRev)).
			WithDetails(map[string]any{"expected_revision": expectedRevision, "actual_revision": onDiskRev})
	}

	prevUpdatedAt, _ := doc["updated_at"].(string)

	merged := deepMerge(doc, patch)
	newRev := expectedRevision + 1
	merged["revision"] = newRev

	updatedAt := nowUTC()
	if prevUpdatedAt != "" {
		if prev, perr := time.Parse(time.RFC3339Nano, prevUpdatedAt); perr == nil {
			now, _ := time.Parse(time.RFC3339Nano, updatedAt)
			if !now.After(prev) {
				updatedAt = prev.Add(time.Nanosecond).UTC().Format(time.RFC3339Nano)
			}
		}
	}
	merged["updated_at"] = updatedAt

	if err := WriteJSONAtomic(path, merged); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return newRev, nil
}

func revisionOf(doc map[string]any) (int, error) {
	raw, ok := doc["revision"]
	if !ok {
		return 0, coreerr.New(coreerr.InvalidState, "document missing revision field")
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, coreerr.Wrap(coreerr.InvalidState, "revision is not an integer", err)
		}
		return int(i), nil
	default:
		return 0, coreerr.New(coreerr.InvalidState, "revision field has unexpected type")
	}
}

// deepMerge recursively merges patch into base, returning a new map. A
// patch value of nil explicitly deletes the corresponding key (standard
// JSON-merge-patch semantics); nested objects merge key-by-key; anything
// else (including arrays) replaces the base value wholesale.
func deepMerge(base, patch map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(result, k)
			continue
		}
		if patchObj, ok := v.(map[string]any); ok {
			if baseObj, ok := result[k].(map[string]any); ok {
				result[k] = deepMerge(baseObj, patchObj)
				continue
			}
		}
		result[k] = v
	}
	return result
}
