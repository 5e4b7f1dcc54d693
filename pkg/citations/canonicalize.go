package citations

import (
	"net/url"
	"sort"
	"strings"
)

// redirectorHosts lists the grounding-redirect hosts Unwrap recognises
// (spec.md §4.6): only Google's /url?q=... wrapper on google.com and
// www.google.com. Other wrappers, such as PerimeterX challenge pages, are
// not unwrapped and pass through unchanged.
var redirectorHosts = map[string]bool{
	"www.google.com": true,
	"google.com":     true,
}

// trackingParamPrefixes and trackingParamExact are stripped from any
// final URL's query string (spec.md §4.6).
var trackingParamPrefixes = []string{"utm_"}

var trackingParamExact = map[string]bool{
	"gclid": true, "fbclid": true, "msclkid": true,
	"mc_cid": true, "mc_eid": true,
	"ref": true, "ref_src": true, "spm": true,
}

// Unwrap extracts the real destination from a known redirector wrapper
// URL, or returns raw unchanged if it isn't one.
func Unwrap(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !redirectorHosts[strings.ToLower(u.Host)] {
		return raw
	}
	if u.Path != "/url" {
		return raw
	}
	q := u.Query().Get("q")
	if q == "" {
		return raw
	}
	return q
}

// StripTrackingParams removes known tracking query parameters and
// re-encodes the remaining params sorted by key.
func StripTrackingParams(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if trackingParamExact[lower] || hasTrackingPrefix(lower) {
			q.Del(key)
		}
	}
	u.RawQuery = encodeSorted(q)
	return u.String()
}

func hasTrackingPrefix(key string) bool {
	for _, p := range trackingParamPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		for j, v := range q[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Canonicalize unwraps known redirectors then strips tracking params.
func Canonicalize(raw string) string {
	return StripTrackingParams(Unwrap(raw))
}

// extractHost returns the lowercase host of raw, or "" if it doesn't parse.
func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
