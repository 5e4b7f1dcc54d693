package citations

import (
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryableStatus reports whether an HTTP status code is retryable
// (spec.md §4.6: "retry on {408, 429, 5xx}").
func RetryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// transientNetworkSubstrings are known transient network error signatures
// (spec.md §4.6).
var transientNetworkSubstrings = []string{
	"econnreset", "etimedout", "enotfound", "socket hang up",
	"connection reset", "connection refused", "i/o timeout",
}

// RetryableNetworkError reports whether err looks like a transient
// network failure worth retrying.
func RetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, sig := range transientNetworkSubstrings {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Backoff computes the exponential-with-full-jitter delay for attempt
// (0-indexed), capped at maxDelay and floored at retryAfter if positive
// (spec.md §4.6: "initial*2^attempt capped at maxDelay, with full jitter
// and a floor equal to any Retry-After value").
func Backoff(initial, maxDelay time.Duration, attempt int, retryAfter time.Duration) time.Duration {
	capped := float64(initial) * math.Pow(2, float64(attempt))
	if capped > float64(maxDelay) {
		capped = float64(maxDelay)
	}
	jittered := time.Duration(rand.Float64() * capped)
	if retryAfter > jittered {
		return retryAfter
	}
	return jittered
}
