package retry

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusCoder is implemented by provider errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// headerCarrier is implemented by provider errors that retain the response
// headers, where rate-limit hints live.
type headerCarrier interface {
	ResponseHeader() http.Header
}

var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:  true, // 408
	http.StatusConflict:        true, // 409
	http.StatusTooEarly:        true, // 425
	http.StatusTooManyRequests: true, // 429
}

var permanentStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// StatusCode extracts an HTTP status from err, or 0 when none is attached.
func StatusCode(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// DefaultShouldRetry classifies an error as transient. Retryable: 408, 409,
// 425, 429, any 5xx, connection-level failures, and provider overload
// messages. Client errors like 400/401/403/404/422 are never retried.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	if status := StatusCode(err); status != 0 {
		if permanentStatuses[status] {
			return false
		}
		if retryableStatuses[status] || status >= 500 {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, tag := range []string{
		"overloaded",
		"rate limit",
		"rate_limit",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"timeout",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, tag) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether the error is a rate-limit rejection, which gets
// a floored delay schedule.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if StatusCode(err) == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}

// retryAfterHeaders lists the header spellings providers use, most specific
// first.
var retryAfterHeaders = []string{
	"Retry-After-Ms",
	"Retry-After",
	"X-Ratelimit-Reset-After",
	"X-Ratelimit-Reset",
	"Anthropic-Ratelimit-Requests-Reset",
	"Anthropic-Ratelimit-Tokens-Reset",
}

// RetryAfterHint extracts the longest wait the server asked for, across all
// known header spellings. Returns 0 when the error carries no usable hint.
func RetryAfterHint(err error, now time.Time) time.Duration {
	var hc headerCarrier
	if !errors.As(err, &hc) {
		return 0
	}
	header := hc.ResponseHeader()
	if header == nil {
		return 0
	}

	var hint time.Duration
	for _, name := range retryAfterHeaders {
		raw := header.Get(name)
		if raw == "" {
			continue
		}
		d := parseRetryAfterValue(name, raw, now)
		if d > hint {
			hint = d
		}
	}
	return hint
}

// parseRetryAfterValue interprets one header value. Accepted forms: integer
// or fractional seconds, milliseconds for the -Ms spelling, an HTTP-date, or
// an RFC 3339 timestamp.
func parseRetryAfterValue(name, raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f <= 0 {
			return 0
		}
		if strings.HasSuffix(name, "-Ms") {
			return time.Duration(f * float64(time.Millisecond))
		}
		return time.Duration(f * float64(time.Second))
	}

	if t, err := http.ParseTime(raw); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return 0
}
