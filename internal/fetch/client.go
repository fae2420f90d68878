package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
)

// maxBodyBytes caps response reads. The largest legitimate payload is a
// full-history OHLC export around 2MB.
const maxBodyBytes = 20 << 20

// challengeSniffBytes is how much of an HTML body is scanned for
// interstitial challenge markers.
const challengeSniffBytes = 3 << 10

// Client is the fingerprinted HTTP fetch path. One instance serves all
// sources; per-source state (cookies, fingerprint) arrives with the session
// handle and per-source pacing lives in the limiter map.
type Client struct {
	config *common.Config
	logger *common.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ interfaces.FetchClient = (*Client)(nil)

// NewClient creates the shared fetch client.
func NewClient(config *common.Config, logger *common.Logger) *Client {
	return &Client{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(source string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[source]; ok {
		return l
	}
	rps := c.config.SourceConfigFor(source).RateLimit
	if rps <= 0 {
		rps = 1
	}
	l := rate.NewLimiter(rate.Limit(rps), rps)
	c.limiters[source] = l
	return l
}

// Do performs one request under the session's cookie jar and fingerprint.
// The body is read fully, sniffed for challenge interstitials and returned.
func (c *Client) Do(ctx context.Context, session interfaces.SessionHandle, req *interfaces.FetchRequest) (*interfaces.FetchResponse, error) {
	source := session.Source()

	if err := c.limiterFor(source).Wait(ctx); err != nil {
		return nil, &Error{Category: CategoryTimeout, URL: req.URL, Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.SourceConfigFor(source).GetTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, profile, err := c.buildRequest(ctx, session, req)
	if err != nil {
		return nil, err
	}

	// Transport and header bundle come from the same profile so cookies
	// cleared under one fingerprint are never replayed under another.
	httpClient := &http.Client{
		Transport: profile.transport,
		Jar:       session.Jar(),
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		category := categorize(err)
		c.logger.Warn().Str("source", source).Str("url", req.URL).Str("category", category).Err(err).Msg("fetch failed")
		return nil, &Error{Category: category, URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Category: categorize(err), URL: req.URL, Err: err}
	}

	if IsChallenge(resp.StatusCode, resp.Header, body) {
		c.logger.Warn().Str("source", source).Str("url", req.URL).Int("status", resp.StatusCode).Msg("challenge interstitial detected")
		return nil, &Error{Category: CategoryChallenge, URL: req.URL, Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := &Error{Category: CategoryHTTPNon2xx, URL: req.URL, Status: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				fe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, fe
	}

	c.logger.Debug().Str("source", source).Str("url", req.URL).Int("status", resp.StatusCode).Int("bytes", len(body)).Msg("fetched")

	return &interfaces.FetchResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, session interfaces.SessionHandle, req *interfaces.FetchRequest) (*http.Request, *Profile, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = session.Fingerprint()
	}
	profile := ProfileFor(fingerprint)
	profile.apply(httpReq)

	return httpReq, profile, nil
}

// challengeMarkers appear in anti-bot interstitial pages. Matching is done
// against the first few KB of any HTML body.
var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"<title>cloudflare",
	"cf-challenge",
	"attention required!",
	"verify you are human",
	"ddos protection by",
}

// IsChallenge reports whether a response is an anti-bot interstitial rather
// than real content.
func IsChallenge(status int, header http.Header, body []byte) bool {
	contentType := header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") {
		return false
	}

	head := strings.ToLower(string(body[:min(len(body), challengeSniffBytes)]))
	for _, marker := range challengeMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}

	// 403/503 with the challenge platform's server header, body marker or not.
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if strings.EqualFold(header.Get("Server"), "cloudflare") {
			return true
		}
	}
	return false
}
