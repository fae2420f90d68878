// Package session manages warm, source-scoped sessions: cookie jars, login
// state and fingerprint pinning, with per-source concurrency limits.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/interfaces"
)

// sessionTTL bounds how long an established session is trusted before the
// next Acquire re-warms it.
const sessionTTL = 45 * time.Minute

// loginPaths are the form-login endpoints of the credentialed sources.
var loginPaths = map[string]string{
	"mubasher":  "/account/login",
	"fund_data": "/auth/login",
}

// Broker hands out warm handles per source. Each source carries one shared
// cookie jar, a pinned fingerprint and a weighted slot pool sized to the
// source's concurrency ceiling.
type Broker struct {
	config *common.Config
	client interfaces.FetchClient
	logger *common.Logger

	mu     sync.Mutex
	states map[string]*sourceState
}

type sourceState struct {
	mu            sync.Mutex
	jar           http.CookieJar
	fingerprint   string
	health        string
	establishedAt time.Time
	slots         *semaphore.Weighted
}

var _ interfaces.SessionBroker = (*Broker)(nil)

// NewBroker creates the session broker.
func NewBroker(config *common.Config, client interfaces.FetchClient, logger *common.Logger) *Broker {
	return &Broker{
		config: config,
		client: client,
		logger: logger,
		states: make(map[string]*sourceState),
	}
}

func (b *Broker) stateFor(source string) *sourceState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[source]; ok {
		return st
	}

	sc := b.config.SourceConfigFor(source)
	fingerprint := sc.Fingerprint
	if fingerprint == "" {
		fingerprint = "chrome_120"
	}
	st := &sourceState{
		fingerprint: fingerprint,
		health:      interfaces.SessionBlocked, // not yet established
		slots:       semaphore.NewWeighted(int64(sc.GetConcurrency())),
	}
	b.states[source] = st
	return st
}

// Acquire blocks for a concurrency slot, re-establishes the session when it
// is missing, expired or was invalidated, and returns a warm handle.
func (b *Broker) Acquire(ctx context.Context, source string) (interfaces.SessionHandle, error) {
	st := b.stateFor(source)

	if err := st.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.jar == nil || st.health == interfaces.SessionBlocked || time.Since(st.establishedAt) > sessionTTL {
		if err := b.establish(ctx, source, st); err != nil {
			st.mu.Unlock()
			st.slots.Release(1)
			return nil, err
		}
	}
	h := &handle{
		source:      source,
		jar:         st.jar,
		fingerprint: st.fingerprint,
		release:     func() { st.slots.Release(1) },
	}
	st.mu.Unlock()
	return h, nil
}

// establish warms the source's session: form login for credentialed
// sources, a base-page navigation for anti-bot-protected public ones, and a
// no-op for stateless APIs. Caller holds st.mu.
func (b *Broker) establish(ctx context.Context, source string, st *sourceState) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}

	sc := b.config.SourceConfigFor(source)
	warm := &handle{source: source, jar: jar, fingerprint: st.fingerprint, release: func() {}}

	switch {
	case loginPaths[source] != "" && sc.Username != "":
		form := url.Values{}
		form.Set("username", sc.Username)
		form.Set("password", sc.Password)
		_, err = b.client.Do(ctx, warm, &interfaces.FetchRequest{
			Method: http.MethodPost,
			URL:    sc.BaseURL + loginPaths[source],
			Form:   form,
		})
		if err != nil {
			st.health = interfaces.SessionBlocked
			b.logger.Error().Str("source", source).Err(err).Msg("session login failed")
			return fmt.Errorf("establish %s session: %w", source, err)
		}

	case source == "yahoo_edge":
		// Stateless edge API; the jar exists only to satisfy the contract.

	default:
		_, err = b.client.Do(ctx, warm, &interfaces.FetchRequest{URL: sc.BaseURL})
		if err != nil {
			st.health = interfaces.SessionBlocked
			b.logger.Error().Str("source", source).Err(err).Msg("session warm-up failed")
			return fmt.Errorf("establish %s session: %w", source, err)
		}
	}

	st.jar = jar
	st.establishedAt = time.Now()
	if loginPaths[source] != "" && sc.Username == "" {
		// Source wants credentials but none are configured: public pages
		// still work, authenticated exports will not.
		st.health = interfaces.SessionDegraded
		b.logger.Warn().Str("source", source).Msg("no credentials configured, session degraded")
	} else {
		st.health = interfaces.SessionFresh
	}
	b.logger.Info().Str("source", source).Str("health", st.health).Str("fingerprint", st.fingerprint).Msg("session established")
	return nil
}

// Invalidate marks the source blocked. The next Acquire re-establishes from
// a clean jar.
func (b *Broker) Invalidate(source, reason string) {
	st := b.stateFor(source)
	st.mu.Lock()
	st.health = interfaces.SessionBlocked
	st.jar = nil
	st.mu.Unlock()
	b.logger.Warn().Str("source", source).Str("reason", reason).Msg("session invalidated")
}

// Rotate swaps the source to the other fingerprint profile and discards its
// state, used after repeated challenge detections.
func (b *Broker) Rotate(source string) {
	st := b.stateFor(source)
	st.mu.Lock()
	if st.fingerprint == "chrome_120" {
		st.fingerprint = "firefox_125"
	} else {
		st.fingerprint = "chrome_120"
	}
	st.health = interfaces.SessionBlocked
	st.jar = nil
	st.mu.Unlock()
	b.logger.Info().Str("source", source).Str("fingerprint", st.fingerprint).Msg("session fingerprint rotated")
}

// Health reports the source's current session state.
func (b *Broker) Health(source string) string {
	st := b.stateFor(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.health
}

type handle struct {
	source      string
	jar         http.CookieJar
	fingerprint string
	release     func()
	once        sync.Once
}

func (h *handle) Source() string      { return h.source }
func (h *handle) Jar() http.CookieJar { return h.jar }
func (h *handle) Fingerprint() string { return h.fingerprint }
func (h *handle) Release()            { h.once.Do(h.release) }
