// Package metrics provides the Prometheus registry reference for the Intra
// client. Metrics are defined in the package that owns them (client, token,
// ratelimit, pagination) to keep concerns modular and avoid circular
// dependencies; this package documents the full surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the Intra client.
// All metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - intra_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status; transport failures count under status "transport_error"
//   - intra_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint, retries included
//
// Retry Metrics (pkg/client):
//   - intra_retries_total{status} (Counter): Retry attempts by triggering status (401, 429, optionally 500)
//   - intra_retry_exhausted_total{status} (Counter): Requests that exhausted the retry budget
//
// Rate Limit Metrics (pkg/ratelimit):
//   - intra_rate_limit_waits_total (Counter): Requests that queued for a slot
//   - intra_rate_limit_wait_seconds (Histogram): Time spent queued
//   - intra_rate_limit_in_flight (Gauge): Slots currently held
//
// Token Metrics (pkg/token):
//   - intra_token_refreshes_total (Counter): Successful grant exchanges
//   - intra_token_failures_total (Counter): Failed grant exchanges
//
// Pagination Metrics (pkg/pagination):
//   - intra_pages_fetched_total (Counter): Pages fetched by the aggregator
//   - intra_pagination_fanouts_total (Counter): Multi-page fan-outs started
//
// Example Prometheus Queries:
//
//   # Retry Rate
//   sum(rate(intra_retries_total[5m])) / sum(rate(intra_requests_total[5m]))
//
//   # Token Churn
//   rate(intra_token_refreshes_total[15m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(intra_request_duration_seconds_bucket[5m]))
//
//   # Queued Fraction
//   rate(intra_rate_limit_waits_total[5m]) / rate(intra_requests_total[5m])
