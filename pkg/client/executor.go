package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Descriptor describes one logical request. The Attempt counter is mutated
// in place across retries; it is monotonically non-decreasing and never
// exceeds MaxRetry.
type Descriptor struct {
	Method   string
	Endpoint string // path relative to the base URL, or an absolute URL
	Query    url.Values
	Body     any    // JSON-encoded when non-nil
	Token    string // per-call override, bypasses the token cache

	Attempt  int
	MaxRetry int
}

// Envelope is a received HTTP response: status, headers, and the raw JSON
// body. Typed decoding belongs to call sites that know the resource shape.
type Envelope struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Decode unmarshals the response body into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}

// Execute runs the retry state machine for one descriptor: authenticate,
// dispatch under a rate-limit permit, classify. 401 and 429 responses are
// retried within the descriptor's budget (500 too, when enabled); a 401
// invalidates the cached token first, so the next attempt authenticates with
// a freshly minted one. Transport failures are never retried. Attempts are
// strictly sequential, and every one re-acquires a rate-limit permit.
func (c *Client) Execute(ctx context.Context, d *Descriptor) (*Envelope, error) {
	start := time.Now()
	defer func() {
		intraRequestDuration.WithLabelValues(d.Endpoint).Observe(time.Since(start).Seconds())
	}()

	for {
		tok, err := c.tokens.Ensure(ctx, d.Token)
		if err != nil {
			return nil, err
		}

		env, err := c.dispatch(ctx, d, tok)
		if err != nil {
			intraRequestsTotal.WithLabelValues(d.Endpoint, "transport_error").Inc()
			c.logger.Error().
				Err(err).
				Str("method", d.Method).
				Str("endpoint", d.Endpoint).
				Msg("Request failed without a response")
			return nil, fmt.Errorf("%s %s: %w", d.Method, d.Endpoint, err)
		}

		intraRequestsTotal.WithLabelValues(d.Endpoint, strconv.Itoa(env.StatusCode)).Inc()

		if env.StatusCode >= 400 {
			if c.retryable(env.StatusCode) && d.MaxRetry > 0 && d.Attempt < d.MaxRetry {
				if env.StatusCode == http.StatusUnauthorized {
					if err := c.tokens.Invalidate(ctx); err != nil {
						c.logger.Warn().Err(err).Msg("Token invalidation failed")
					}
				}
				d.Attempt++
				intraRetriesTotal.WithLabelValues(strconv.Itoa(env.StatusCode)).Inc()
				c.logger.Warn().
					Str("method", d.Method).
					Str("endpoint", d.Endpoint).
					Int("status", env.StatusCode).
					Int("attempt", d.Attempt).
					Int("max_retry", d.MaxRetry).
					Msg("Retrying request")
				continue
			}

			if c.retryable(env.StatusCode) {
				intraRetryExhaustedTotal.WithLabelValues(strconv.Itoa(env.StatusCode)).Inc()
			}
			apiErr := &APIError{
				Status:   env.StatusCode,
				URL:      c.requestURL(d),
				Body:     env.Body,
				Attempts: d.Attempt,
			}
			c.logger.Error().
				Str("method", d.Method).
				Str("endpoint", d.Endpoint).
				Int("status", env.StatusCode).
				Int("attempt", d.Attempt).
				Msg("Request failed")
			return nil, apiErr
		}

		if d.Attempt > 0 {
			c.logger.Info().
				Str("method", d.Method).
				Str("endpoint", d.Endpoint).
				Int("status", env.StatusCode).
				Int("attempt", d.Attempt).
				Int("max_retry", d.MaxRetry).
				Msg("Request succeeded after retry")
		} else {
			c.logger.Debug().
				Str("method", d.Method).
				Str("endpoint", d.Endpoint).
				Int("status", env.StatusCode).
				Msg("Request completed")
		}
		return env, nil
	}
}

// dispatch issues a single HTTP attempt under a rate-limit permit. The
// permit is held for the duration of the call and released when it
// completes, success or failure.
func (c *Client) dispatch(ctx context.Context, d *Descriptor, tok string) (*Envelope, error) {
	target := c.requestURL(d)

	var reqBody io.Reader
	if d.Body != nil {
		payload, err := json.Marshal(d.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if d.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Envelope{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// retryable reports whether a status is retry-eligible: 401 (token expired
// or revoked) and 429 (throttled), plus 500 when configured.
func (c *Client) retryable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusTooManyRequests:
		return true
	case http.StatusInternalServerError:
		return c.config.RetryServerErrors
	}
	return false
}

// requestURL resolves a descriptor's target: absolute endpoints pass
// through, relative ones are joined to the base URL; the descriptor's query
// parameters are merged into any already present. A target that does not
// parse is returned as-is with the query dropped, and logged — the dispatch
// fails on it with the transport's own error.
func (c *Client) requestURL(d *Descriptor) string {
	target := d.Endpoint
	if !strings.Contains(target, "://") {
		target = strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(d.Endpoint, "/")
	}
	if len(d.Query) == 0 {
		return target
	}

	u, err := url.Parse(target)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("endpoint", d.Endpoint).
			Msg("Unparsable request URL, query parameters dropped")
		return target
	}
	q := u.Query()
	for k, vs := range d.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
