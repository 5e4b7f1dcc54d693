// Package citations implements the citation redirect resolver (spec.md
// §4.6): TTL-cached, retrying, bounded-concurrency resolution of redirect
// URLs to their canonicalized final destination.
package citations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/drorc/pkg/store"
)

// DefaultTTL is the cache freshness window (spec.md §4.6: "default 7 days").
const DefaultTTL = 7 * 24 * time.Hour

// CacheEntry is one resolved-or-attempted URL's cache record.
type CacheEntry struct {
	ResolvedURL string `json:"resolved_url,omitempty"`
	ResolvedAt  string `json:"resolved_at,omitempty"`
	LastTriedAt string `json:"last_tried_at"`
	Attempts    int    `json:"attempts"`
	LastStatus  int    `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Cache is the redirects.json document (spec.md §4.6).
type Cache struct {
	SchemaVersion int                   `json:"schema_version"`
	Entries       map[string]CacheEntry `json:"entries"`
}

// NewCache returns an empty, schema-tagged cache.
func NewCache() *Cache {
	return &Cache{SchemaVersion: 1, Entries: map[string]CacheEntry{}}
}

// LoadCache reads redirects.json, returning a fresh empty cache if it
// does not exist yet.
func LoadCache(path string) (*Cache, error) {
	var c Cache
	if err := store.ReadJSON(path, &c); err != nil {
		if os.IsNotExist(err) {
			return NewCache(), nil
		}
		return nil, err
	}
	if c.Entries == nil {
		c.Entries = map[string]CacheEntry{}
	}
	return &c, nil
}

// Fresh reports whether entry is usable without re-resolution (spec.md
// §4.6: "fresh when resolved_url is set and now - resolved_at <= TTL").
func Fresh(e CacheEntry, ttl time.Duration, now time.Time) bool {
	if e.ResolvedURL == "" || e.ResolvedAt == "" {
		return false
	}
	resolvedAt, err := time.Parse(time.RFC3339Nano, e.ResolvedAt)
	if err != nil {
		return false
	}
	return now.Sub(resolvedAt) <= ttl
}

// Save atomically persists the cache with the modes spec.md §4.6
// mandates: 0o700 for the cache directory, 0o600 for the file itself.
// Save failures are reported but — per spec.md — MUST NOT fail the batch
// that produced them; callers decide whether to log-and-continue.
func Save(path string, c *Cache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	if err := store.WriteJSONAtomic(path, c); err != nil {
		return err
	}
	// store.WriteJSONAtomic writes generic artifacts at 0o644; the
	// redirect cache specifically must be 0o600 (spec.md §4.6).
	return os.Chmod(path, 0o600)
}
