// Package client provides the core Intra HTTP client with token management,
// rate limiting, retries, and pagination.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ibtrd/intra-api-proxy/pkg/pagination"
	"github.com/ibtrd/intra-api-proxy/pkg/ratelimit"
	"github.com/ibtrd/intra-api-proxy/pkg/token"
)

// Prometheus metrics for Intra client operations.
var (
	intraRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intra_requests_total",
		Help: "Total Intra requests by endpoint and status",
	}, []string{"endpoint", "status"})

	intraRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intra_request_duration_seconds",
		Help:    "Intra request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	intraRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intra_retries_total",
		Help: "Total number of retry attempts by status",
	}, []string{"status"})

	intraRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intra_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted by status",
	}, []string{"status"})
)

// Default endpoints of the Intra API.
const (
	DefaultBaseURL      = "https://api.intra.42.fr/v2"
	DefaultTokenURL     = "https://api.intra.42.fr/oauth/token"
	DefaultAuthorizeURL = "https://api.intra.42.fr/oauth/authorize"
)

// DefaultMaxRetries is the per-request retry budget unless configured.
const DefaultMaxRetries = 5

// Config holds the client configuration.
type Config struct {
	// BaseURL is the resource endpoint root.
	BaseURL string

	// TokenURL and AuthorizeURL are the OAuth2 endpoints.
	TokenURL     string
	AuthorizeURL string

	// RedirectURI is used for the authorization-code flow.
	RedirectURI string

	// Credential identifies the API application (REQUIRED).
	Credential token.Credential

	// Rate Limiting
	RateLimit  int           // Requests per window
	RateWindow time.Duration // Window length, slightly over one second

	// Retry
	MaxRetries        int  // Retry budget for 401/429 responses
	RetryServerErrors bool // Also retry 500 responses (off unless enabled)

	// TokenStore overrides the default in-memory token cache, e.g. with a
	// Redis-backed store shared across instances.
	TokenStore token.Store

	// HTTPClient overrides the transport (default: 30s timeout).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration. The rate of 2 requests
// per window matches the Intra API's default per-second quota.
func DefaultConfig(credential token.Credential) Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		TokenURL:     DefaultTokenURL,
		AuthorizeURL: DefaultAuthorizeURL,
		Credential:   credential,
		RateLimit:    2,
		RateWindow:   ratelimit.DefaultWindow,
		MaxRetries:   DefaultMaxRetries,
	}
}

// Client is the main Intra API client.
type Client struct {
	httpClient *http.Client
	tokens     *token.Manager
	limiter    *ratelimit.Limiter
	config     Config
	logger     zerolog.Logger
}

// New creates a new Intra client.
func New(cfg Config) (*Client, error) {
	if cfg.Credential.UID == "" || cfg.Credential.Secret == "" {
		return nil, fmt.Errorf("credential uid and secret are required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.AuthorizeURL == "" {
		cfg.AuthorizeURL = DefaultAuthorizeURL
	}
	if cfg.RateLimit <= 0 {
		return nil, fmt.Errorf("rate_limit must be > 0 (got %d)", cfg.RateLimit)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	logger := log.With().Str("component", "intra-client").Logger()

	tokens := token.NewManager(token.Config{
		TokenURL:     cfg.TokenURL,
		AuthorizeURL: cfg.AuthorizeURL,
		RedirectURI:  cfg.RedirectURI,
		Credential:   cfg.Credential,
		HTTPClient:   httpClient,
		Store:        cfg.TokenStore,
		Logger:       logger,
	})

	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    ratelimit.New(cfg.RateLimit, cfg.RateWindow, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Tokens exposes the token manager, e.g. for the authorization-code flow.
func (c *Client) Tokens() *token.Manager {
	return c.tokens
}

// Get performs a GET request against an Intra endpoint.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (*Envelope, error) {
	return c.Execute(ctx, c.descriptor(http.MethodGet, endpoint, query, nil))
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return c.Execute(ctx, c.descriptor(http.MethodPost, endpoint, nil, body))
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	return c.Execute(ctx, c.descriptor(http.MethodPatch, endpoint, nil, body))
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) (*Envelope, error) {
	return c.Execute(ctx, c.descriptor(http.MethodDelete, endpoint, nil, nil))
}

func (c *Client) descriptor(method, endpoint string, query url.Values, body any) *Descriptor {
	return &Descriptor{
		Method:   method,
		Endpoint: endpoint,
		Query:    query,
		Body:     body,
		MaxRetry: c.config.MaxRetries,
	}
}

// GetAllOption configures a GetAll call.
type GetAllOption func(*getAllOptions)

type getAllOptions struct {
	perPage int
	query   url.Values
	token   string
}

// WithPerPage sets the page size requested from the server.
func WithPerPage(n int) GetAllOption {
	return func(o *getAllOptions) {
		o.perPage = n
	}
}

// WithQuery merges extra query parameters into every page request.
func WithQuery(query url.Values) GetAllOption {
	return func(o *getAllOptions) {
		o.query = query
	}
}

// WithToken sets a per-call token override for every page request.
func WithToken(tok string) GetAllOption {
	return func(o *getAllOptions) {
		o.token = tok
	}
}

// GetAll fetches an endpoint as if it were not paged, assembling all pages
// when the server's Link header announces more than one. Without a usable
// "last" relation the page-1 body is returned verbatim.
func (c *Client) GetAll(ctx context.Context, endpoint string, opts ...GetAllOption) (json.RawMessage, error) {
	o := getAllOptions{perPage: pagination.DefaultPerPage}
	for _, opt := range opts {
		opt(&o)
	}

	agg := pagination.NewAggregator(
		&pageFetcher{client: c, query: o.query, token: o.token},
		pagination.WithPerPage(o.perPage),
		pagination.WithLogger(c.logger),
	)
	return agg.GetAll(ctx, endpoint)
}

// pageFetcher adapts the client to the pagination.PageFetcher interface.
// Every page request carries its own Descriptor, so each gets an independent
// attempt counter and retry budget.
type pageFetcher struct {
	client *Client
	query  url.Values
	token  string
}

func (f *pageFetcher) FetchPage(ctx context.Context, endpoint string, page, perPage int) (*pagination.Page, error) {
	query := url.Values{}
	for k, vs := range f.query {
		query[k] = vs
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))

	d := f.client.descriptor(http.MethodGet, endpoint, query, nil)
	d.Token = f.token

	env, err := f.client.Execute(ctx, d)
	if err != nil {
		return nil, err
	}
	return &pagination.Page{
		Number: page,
		Body:   env.Body,
		Links:  pagination.ParseLinks(env.Header.Get("Link")),
	}, nil
}
