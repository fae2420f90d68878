// Package interfaces defines the contracts between pipeline components.
// Implementations live in their own packages; consumers depend on these
// interfaces only.
package interfaces

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// FetchRequest describes one HTTP call made with a browser-class
// fingerprint. The zero Method means GET.
type FetchRequest struct {
	Method      string
	URL         string
	Form        url.Values // form body; mutually exclusive with JSON
	JSON        any        // JSON body; marshalled before sending
	Header      http.Header
	Fingerprint string // fingerprint profile name, e.g. "chrome_120"
	Timeout     time.Duration
	BlockAssets bool // block images/fonts/css when fetching HTML for parsing
}

// FetchResponse is the outcome of a successful fetch.
type FetchResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// FetchClient performs one HTTP request with the session's cookie jar and
// the requested fingerprint profile. Challenge pages are detected before
// the body is handed to any parser.
type FetchClient interface {
	Do(ctx context.Context, session SessionHandle, req *FetchRequest) (*FetchResponse, error)
}

// ChartPoint is one [timestamp, value] pair lifted from an in-browser chart
// object.
type ChartPoint struct {
	TimestampMS int64
	Value       float64
}

// BrowserDriver is the full-browser fetch path for sources whose data only
// exists after JavaScript runs. The process behind it is an expensive
// singleton acquired lazily and released on idle timeout.
type BrowserDriver interface {
	// FetchHTML navigates to req.URL, waits for the page to settle and
	// returns the rendered document. req.BlockAssets suppresses image, font
	// and stylesheet loads in the tab.
	FetchHTML(ctx context.Context, session SessionHandle, req *FetchRequest) ([]byte, error)

	// ExtractChartSeries reads the in-memory series from the page's chart
	// object after initialisation. maxRangeSelector, when non-empty, is
	// clicked first to force full history.
	ExtractChartSeries(ctx context.Context, session SessionHandle, url, seriesExpr, maxRangeSelector string) ([]ChartPoint, error)

	Close()
}

// Session health states.
const (
	SessionFresh    = "fresh"
	SessionDegraded = "degraded"
	SessionBlocked  = "blocked"
)

// SessionHandle is a warm, source-scoped session checked out from the
// broker. Release returns it to the pool; the underlying cookies and auth
// state survive unless the consumer invalidated the source.
type SessionHandle interface {
	Source() string
	Jar() http.CookieJar
	Fingerprint() string
	Release()
}

// SessionBroker hands out warm sessions per source so that auth and
// anti-bot-cleared state are reused across calls.
type SessionBroker interface {
	// Acquire blocks until a warm handle is available, re-establishing the
	// session first if the source was invalidated.
	Acquire(ctx context.Context, source string) (SessionHandle, error)

	// Invalidate marks the source blocked; the next Acquire triggers a full
	// re-auth or re-challenge.
	Invalidate(source, reason string)

	// Rotate forces a new fingerprint and browser context for the source.
	Rotate(source string)

	// Health reports the source's session state.
	Health(source string) string
}
