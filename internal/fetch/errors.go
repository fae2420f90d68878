// Package fetch implements the fingerprinted HTTP client and the
// full-browser driver used against anti-bot-protected upstreams.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Fetch error categories. The coordinator keys its retry policy on these.
const (
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryTLS        = "tls"
	CategoryProtocol   = "protocol"
	CategoryChallenge  = "challenge_detected"
	CategoryHTTPNon2xx = "http_non_2xx"
)

// Error is a categorised fetch failure.
type Error struct {
	Category   string
	URL        string
	Status     int           // set for http_non_2xx
	RetryAfter time.Duration // from the Retry-After header on 429
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Category, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Category, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the fetch category from an error chain, or "" when the
// error did not originate in this package.
func CategoryOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// categorize maps a transport-level error to its retry category.
func categorize(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:"):
		return CategoryTLS
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "unexpected EOF") || strings.Contains(msg, "bad response"):
		return CategoryProtocol
	default:
		return CategoryNetwork
	}
}
