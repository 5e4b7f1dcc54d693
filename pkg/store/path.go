package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codeready-toolchain/drorc/pkg/coreerr"
)

// ResolveWithin normalizes rel against root, rejects absolute components
// and ".." segments, real-path-resolves both, and asserts the result is
// contained within root's real path. Every path composed from external
// input (perspective IDs, stage names, input_path arguments) MUST go
// through this single resolver — see SPEC_FULL.md DESIGN NOTES, "Path
// safety": normalize → reject absolute/".." → real-path resolve → assert
// containment. This is what defeats both naive ".." traversal and
// symlink escapes (e.g. macOS's /var -> /private/var).
func ResolveWithin(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", coreerr.New(coreerr.PathTraversal, fmt.Sprintf("path %q must be relative", rel))
	}
	cleaned := filepath.Clean(rel)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return "", coreerr.New(coreerr.PathTraversal, fmt.Sprintf("path %q escapes run root", rel))
		}
	}

	candidate := filepath.Join(root, cleaned)

	realRoot, err := realPath(root)
	if err != nil {
		return "", fmt.Errorf("resolve run root %s: %w", root, err)
	}
	realCandidate, err := realPath(candidate)
	if err != nil {
		// The target need not exist yet (we may be about to create it);
		// fall back to resolving its nearest existing ancestor and
		// re-appending the remainder, so new files still get containment
		// checked against the real (symlink-resolved) root.
		realCandidate, err = realPathNearestAncestor(candidate)
		if err != nil {
			return "", fmt.Errorf("resolve candidate %s: %w", candidate, err)
		}
	}

	if realCandidate != realRoot && !strings.HasPrefix(realCandidate, realRoot+string(filepath.Separator)) {
		return "", coreerr.New(coreerr.PathTraversal, fmt.Sprintf("path %q resolves outside run root", rel))
	}
	return candidate, nil
}

// IsPathSafe reports whether rel is non-escaping:
// no ".." segments and no absolute components. Used to validate
// manifest.artifacts.paths at manifest load time (spec.md §3 invariants).
func IsPathSafe(rel string) bool {
	if filepath.IsAbs(rel) {
		return false
	}
	cleaned := filepath.Clean(rel)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return false
		}
	}
	return true
}
