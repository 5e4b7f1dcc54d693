package citations

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures a Resolver (spec.md §4.6).
type Options struct {
	MaxAttempts           int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	TTL                   time.Duration
	MaxConcurrency        int
	GroundingRedirectHost string
}

// DefaultOptions mirrors policy.Defaults().Ladder (kept independent here
// so pkg/citations has no import-cycle dependency on pkg/policy; callers
// wire policy-resolved values in via Options).
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		TTL:            DefaultTTL,
		MaxConcurrency: 3,
	}
}

// HTTPDoer is the subset of *http.Client a Resolver needs; tests inject a
// fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves redirect URLs to their canonicalized final
// destination, backed by an on-disk TTL cache.
type Resolver struct {
	Client HTTPDoer
	Opts   Options
}

// NewResolver builds a Resolver with a real http.Client.
func NewResolver(opts Options) *Resolver {
	return &Resolver{Client: &http.Client{Timeout: 15 * time.Second, CheckRedirect: noFollow}, Opts: opts}
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// ResolveOne resolves a single URL against the cache, refreshing it if
// stale or absent (spec.md §4.6 "Per-URL resolution"). Cache reads/writes
// are unsynchronized; concurrent callers must hold their own lock around
// the cache argument (see ResolveBatch).
func (r *Resolver) ResolveOne(ctx context.Context, cache *Cache, rawURL string) CacheEntry {
	now := time.Now().UTC()
	if existing, ok := cache.Entries[rawURL]; ok && Fresh(existing, r.Opts.TTL, now) {
		return existing
	}

	entry := r.resolveUncached(ctx, cache.Entries[rawURL], rawURL)
	cache.Entries[rawURL] = entry
	return entry
}

// resolveUncached runs the HTTP attempt/backoff loop without touching the
// cache, so ResolveBatch can hold its cache lock only around the brief
// read-before / write-after, not the network calls themselves.
func (r *Resolver) resolveUncached(ctx context.Context, entry CacheEntry, rawURL string) CacheEntry {
	now := time.Now().UTC()
	var lastErr error
	var lastStatus int
	var retryAfter time.Duration

	for attempt := 0; attempt < r.Opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(r.Opts.InitialBackoff, r.Opts.MaxBackoff, attempt-1, retryAfter)
			select {
			case <-ctx.Done():
				entry.LastError = ctx.Err().Error()
				entry.LastTriedAt = now.Format(time.RFC3339Nano)
				entry.Attempts++
				return entry
			case <-time.After(delay):
			}
		}

		entry.Attempts++
		entry.LastTriedAt = time.Now().UTC().Format(time.RFC3339Nano)

		resolved, status, retryAfterHeader, err := r.attempt(ctx, rawURL)
		lastStatus = status
		retryAfter = retryAfterHeader
		if err != nil {
			lastErr = err
			entry.LastError = err.Error()
			entry.LastStatus = status
			if !RetryableNetworkError(err) && !RetryableStatus(status) {
				break
			}
			continue
		}

		canonical := Canonicalize(resolved)
		if r.Opts.GroundingRedirectHost != "" && sameHost(canonical, r.Opts.GroundingRedirectHost) {
			entry.LastError = "resolved to grounding-redirect host; rejected"
			continue
		}

		entry.ResolvedURL = canonical
		entry.ResolvedAt = time.Now().UTC().Format(time.RFC3339Nano)
		entry.LastStatus = status
		entry.LastError = ""
		return entry
	}

	entry.LastStatus = lastStatus
	if lastErr != nil {
		entry.LastError = lastErr.Error()
	}
	return entry
}

// attempt issues one HEAD request, falling back to GET on 403/405
// (spec.md §4.6).
func (r *Resolver) attempt(ctx context.Context, rawURL string) (resolvedURL string, status int, retryAfter time.Duration, err error) {
	resolvedURL, status, retryAfter, err = r.doOnce(ctx, http.MethodHead, rawURL)
	if err == nil && (status == http.StatusForbidden || status == http.StatusMethodNotAllowed) {
		return r.doOnce(ctx, http.MethodGet, rawURL)
	}
	return resolvedURL, status, retryAfter, err
}

func (r *Resolver) doOnce(ctx context.Context, method, rawURL string) (string, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", 0, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			return loc, resp.StatusCode, retryAfter, nil
		}
	}
	if RetryableStatus(resp.StatusCode) {
		return "", resp.StatusCode, retryAfter, fmt.Errorf("retryable status %d", resp.StatusCode)
	}
	return rawURL, resp.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sameHost(rawURL, host string) bool {
	return extractHost(rawURL) == host
}

// ResolveBatch resolves urls with bounded concurrency, deduplicating by
// input URL and preserving input order in the result slice (spec.md §4.6
// invariants). Cache save failures are logged but never fail the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, cachePath string, urls []string) ([]CacheEntry, error) {
	cache, err := LoadCache(cachePath)
	if err != nil {
		return nil, err
	}

	order := dedupePreserveOrder(urls)
	results := make([]CacheEntry, len(order))

	concurrency := r.Opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	for i, u := range order {
		i, u := i, u
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			mu.Lock()
			if existing, ok := cache.Entries[u]; ok && Fresh(existing, r.Opts.TTL, time.Now().UTC()) {
				mu.Unlock()
				results[i] = existing
				return nil
			}
			prior := cache.Entries[u]
			mu.Unlock()

			entry := r.resolveUncached(gctx, prior, u)

			mu.Lock()
			cache.Entries[u] = entry
			mu.Unlock()

			results[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	if err := Save(cachePath, cache); err != nil {
		slog.Warn("citation cache save failed", "path", cachePath, "error", err)
	}
	return results, nil
}

func dedupePreserveOrder(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
