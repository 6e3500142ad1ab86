package llm

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxRetries is the transport retry budget shared by all adapters.
// After the budget is exhausted the last failure surfaces as an error
// chunk.
const MaxRetries = 5

// backoffSchedule holds the delay before retry attempt N (0-based).
// Doubling from 5s, capped at 60s.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// Backoff returns the delay before retry attempt (0-based) plus up to
// one second of jitter.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		attempt = len(backoffSchedule) - 1
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return backoffSchedule[attempt] + jitter
}

// RetryAfter parses a Retry-After header into a delay. Both the
// delta-seconds and the HTTP-date forms are accepted. Returns 0 when
// the header is absent or unparseable, in which case callers fall back
// to Backoff.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryable reports whether an adapter failure is a transient
// transport condition worth a backoff-and-retry: HTTP 429 and 5xx, and
// the usual network-level resets. Everything else (auth, validation,
// not-found) fails fast.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") {
		return true
	}
	return false
}

// IsRateLimited reports whether the failure is specifically an HTTP 429
// / rate-limit condition. The driver treats these as a soft retry of
// the current step rather than a run failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
