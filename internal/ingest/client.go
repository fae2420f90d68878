package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/nilemarkets/sahm/internal/fetch"
	"github.com/nilemarkets/sahm/internal/interfaces"
	"github.com/nilemarkets/sahm/internal/normalize"
)

// fetchFrom performs one request against an upstream through a broker
// session. A challenge detection invalidates the source's session and, for
// plain GET page fetches, replays the request through the full browser; the
// browser clearing the challenge leaves fresh cookies in the jar for the
// next HTTP call.
func fetchFrom(ctx context.Context, deps *Deps, upstream string, req *interfaces.FetchRequest) (*interfaces.FetchResponse, error) {
	handle, err := deps.Broker.Acquire(ctx, upstream)
	if err != nil {
		return nil, err
	}

	resp, err := deps.Client.Do(ctx, handle, req)
	// Released before any browser replay: credentialed sources have a single
	// session slot, and browserHTML acquires its own handle.
	handle.Release()
	if err == nil {
		return resp, nil
	}
	if fetch.CategoryOf(err) != fetch.CategoryChallenge {
		return nil, err
	}

	deps.Broker.Invalidate(upstream, fetch.CategoryChallenge)

	if deps.Browser == nil || !escalatable(req) {
		return nil, err
	}

	body, berr := browserHTML(ctx, deps, upstream, req)
	if berr != nil {
		return nil, berr
	}
	deps.Logger.Info().Str("source", upstream).Str("url", req.URL).Msg("challenge cleared through browser")
	return &interfaces.FetchResponse{Status: http.StatusOK, Body: body}, nil
}

// escalatable reports whether a request can be replayed in a browser tab.
// Only body-less page GETs qualify; form logins and JSON APIs cannot be
// re-driven through navigation.
func escalatable(req *interfaces.FetchRequest) bool {
	if req.Form != nil || req.JSON != nil {
		return false
	}
	return req.Method == "" || req.Method == http.MethodGet
}

// browserHTML renders a page through the shared browser, holding a broker
// session so cookies and concurrency limits still apply.
func browserHTML(ctx context.Context, deps *Deps, upstream string, req *interfaces.FetchRequest) ([]byte, error) {
	handle, err := deps.Broker.Acquire(ctx, upstream)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	body, err := deps.Browser.FetchHTML(ctx, handle, req)
	if err != nil && fetch.CategoryOf(err) == fetch.CategoryChallenge {
		deps.Broker.Invalidate(upstream, fetch.CategoryChallenge)
	}
	return body, err
}

// isNotFound reports whether a fetch failed because the entity has no data
// at the source. Ingesters record these as empty, not as errors.
func isNotFound(err error) bool {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return fe.Status == http.StatusNotFound || fe.Status == http.StatusGone
	}
	return false
}

// isUnresolvable reports whether a record failed because its free-text name
// matched no alias. Calendar-style ingesters skip such rows.
func isUnresolvable(err error) bool {
	return errors.Is(err, normalize.ErrUnresolvable)
}
