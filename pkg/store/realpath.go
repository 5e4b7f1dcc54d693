package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// realPath resolves symlinks for an existing path.
func realPath(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}

// realPathNearestAncestor walks up from path until it finds an existing
// ancestor, resolves that ancestor's symlinks, then re-appends the
// non-existent suffix. This lets ResolveWithin containment-check paths
// that are about to be created (new artifacts, new sidecar files) without
// requiring them to exist first.
func realPathNearestAncestor(path string) (string, error) {
	suffix := []string{}
	cur := path
	for {
		if _, err := os.Stat(cur); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	for _, seg := range suffix {
		resolved = filepath.Join(resolved, seg)
	}
	return resolved, nil
}
