// Package token manages the OAuth2 bearer token used to authenticate Intra
// API requests. The token is fetched lazily through a client-credentials
// grant exchange, cached in a pluggable store, and replaced after the server
// rejects it.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for token management.
var (
	tokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intra_token_refreshes_total",
		Help: "Total number of successful grant exchanges",
	})

	tokenFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intra_token_failures_total",
		Help: "Total number of failed grant exchanges",
	})
)

// Credential identifies an Intra API application. Immutable for the
// lifetime of the client.
type Credential struct {
	UID    string
	Secret string
	Scopes []string
}

// Config holds the token manager configuration.
type Config struct {
	// TokenURL is the OAuth2 token endpoint.
	TokenURL string

	// AuthorizeURL is the OAuth2 consent endpoint, used only to build
	// redirect URLs for the authorization-code flow.
	AuthorizeURL string

	// RedirectURI is sent with authorization-code exchanges.
	RedirectURI string

	Credential Credential

	// HTTPClient performs the grant exchange (default: 30s timeout).
	HTTPClient *http.Client

	// Store caches the current token (default: in-memory).
	Store Store

	Logger zerolog.Logger
}

// Manager owns the cached bearer token and the grant exchange protocol.
// Safe for concurrent use; concurrent cache misses share a single grant
// exchange instead of racing.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	store      Store
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight chan struct{} // non-nil while a grant exchange runs
	fetched  string
	fetchErr error
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		logger:     cfg.Logger,
	}
}

// Ensure returns a valid bearer token. A non-empty override is returned
// verbatim, bypassing the cache. Otherwise the cached token is returned,
// fetching it through the grant exchange on a miss.
func (m *Manager) Ensure(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	tok, err := m.store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("token store: %w", err)
	}
	if tok != "" {
		return tok, nil
	}

	m.mu.Lock()
	if m.inflight != nil {
		// Another caller is already exchanging; wait for its result.
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		m.mu.Lock()
		tok, err := m.fetched, m.fetchErr
		m.mu.Unlock()
		return tok, err
	}
	done := make(chan struct{})
	m.inflight = done
	m.mu.Unlock()

	tok, err = m.exchange(ctx, m.clientCredentialsForm())
	if err == nil {
		if serr := m.store.Set(ctx, tok); serr != nil {
			m.logger.Warn().Err(serr).Msg("Failed to cache token")
		}
	}

	m.mu.Lock()
	m.fetched, m.fetchErr = tok, err
	m.inflight = nil
	m.mu.Unlock()
	close(done)

	return tok, err
}

// Invalidate clears the cached token; the next Ensure call without an
// override performs a fresh grant exchange.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.logger.Debug().Msg("Invalidating cached token")
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	return nil
}

// ExchangeCode trades an authorization code for an access token and caches
// it as the current token.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", m.cfg.Credential.UID)
	form.Set("client_secret", m.cfg.Credential.Secret)
	form.Set("redirect_uri", m.cfg.RedirectURI)
	form.Set("code", code)

	tok, err := m.exchange(ctx, form)
	if err != nil {
		return "", err
	}
	if serr := m.store.Set(ctx, tok); serr != nil {
		m.logger.Warn().Err(serr).Msg("Failed to cache token")
	}
	return tok, nil
}

// AuthorizeURL builds the consent redirect URL for the authorization-code
// flow.
func (m *Manager) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", m.cfg.Credential.UID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("response_type", "code")
	if len(m.cfg.Credential.Scopes) > 0 {
		q.Set("scope", strings.Join(m.cfg.Credential.Scopes, " "))
	}
	if state != "" {
		q.Set("state", state)
	}
	return m.cfg.AuthorizeURL + "?" + q.Encode()
}

func (m *Manager) clientCredentialsForm() url.Values {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.cfg.Credential.UID)
	form.Set("client_secret", m.cfg.Credential.Secret)
	if len(m.cfg.Credential.Scopes) > 0 {
		form.Set("scope", strings.Join(m.cfg.Credential.Scopes, " "))
	}
	return form
}

// exchange performs a form POST against the token endpoint. Failures are
// fatal for the call that needed the token; the manager never retries them.
func (m *Manager) exchange(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		tokenFailuresTotal.Inc()
		m.logger.Error().Err(err).Msg("Grant exchange failed")
		return "", &TokenError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		tokenFailuresTotal.Inc()
		return "", &TokenError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tokenFailuresTotal.Inc()
		m.logger.Error().
			Int("status", resp.StatusCode).
			Msg("Grant exchange rejected")
		return "", &TokenError{Status: resp.StatusCode, Body: body}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		tokenFailuresTotal.Inc()
		return "", &TokenError{Status: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if payload.AccessToken == "" {
		tokenFailuresTotal.Inc()
		return "", &TokenError{Status: resp.StatusCode, Message: "token response missing access_token"}
	}

	tokenRefreshesTotal.Inc()
	m.logger.Debug().
		Str("grant_type", form.Get("grant_type")).
		Msg("Grant exchange succeeded")

	return payload.AccessToken, nil
}
