// Package testutil provides testing utilities for the Intra API client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockIntra is a configurable mock Intra API server: a token endpoint at
// /oauth/token plus arbitrary resource endpoints.
type MockIntra struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	grantStatus int

	// Tracking
	RequestCount      int
	GrantCount        int
	LastAuthorization string
	LastGrantForm     map[string][]string
}

// NewMockIntra creates a new mock Intra API server.
func NewMockIntra() *MockIntra {
	mock := &MockIntra{
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		grantStatus: http.StatusOK,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			mock.handleGrant(w, r)
			return
		}

		mock.mu.Lock()
		mock.RequestCount++
		mock.LastAuthorization = r.Header.Get("Authorization")
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockIntra) URL() string {
	return m.server.URL
}

// TokenURL returns the mock token endpoint URL.
func (m *MockIntra) TokenURL() string {
	return m.server.URL + "/oauth/token"
}

// Close shuts down the mock server.
func (m *MockIntra) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockIntra) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.GrantCount = 0
	m.LastAuthorization = ""
	m.LastGrantForm = nil
}

// FailGrants makes the token endpoint answer with the given status.
func (m *MockIntra) FailGrants(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantStatus = status
}

// CurrentToken returns the token value the latest grant exchange issued.
func (m *MockIntra) CurrentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("token-%d", m.GrantCount)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockIntra) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockIntra) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPaginated configures a paginated endpoint. Each argument is one page's
// JSON array body; responses carry a Link header whose "last" relation
// points at the final page.
func (m *MockIntra) SetPaginated(path string, pages ...string) {
	last := len(pages)
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				page = n
			}
		}
		if page < 1 || page > last {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
			return
		}

		perPage := r.URL.Query().Get("per_page")
		base := m.server.URL + path
		w.Header().Set("Link", fmt.Sprintf(
			`<%s?page=1&per_page=%s>; rel="first", <%s?page=%d&per_page=%s>; rel="last"`,
			base, perPage, base, last, perPage))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(pages[page-1]))
	})
}

// GetRequestCount returns the number of resource requests made, grant
// exchanges excluded.
func (m *MockIntra) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetGrantCount returns the number of grant exchanges performed.
func (m *MockIntra) GetGrantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.GrantCount
}

// handleGrant emulates the token endpoint. Every successful exchange mints
// a fresh token value so tests can observe rotation after invalidation.
func (m *MockIntra) handleGrant(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	status := m.grantStatus
	if status == http.StatusOK {
		m.GrantCount++
	}
	count := m.GrantCount
	m.LastGrantForm = r.PostForm
	m.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte(`{"error": "server_error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"access_token": "token-%d"}`, count)
}

// defaultHandler answers any unconfigured endpoint with an empty object.
func (m *MockIntra) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{}`))
}

// NewThrottledResponse creates a 429 Too Many Requests response.
func NewThrottledResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewUnauthorizedResponse creates a 401 Unauthorized response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "The access token expired"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewJSONResponse creates a 200 OK response with the given JSON body.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}
