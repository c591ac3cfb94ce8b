package client

import (
	"encoding/json"
	"fmt"
)

// APIError represents an HTTP error response from the Intra API. Attempts
// carries the descriptor's final attempt count; when the status was
// retry-eligible, Attempts equal to the retry budget means the budget was
// exhausted.
type APIError struct {
	Status   int
	URL      string
	Body     json.RawMessage
	Attempts int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("intra API error (status %d) after %d retries: %s",
			e.Status, e.Attempts, e.URL)
	}
	return fmt.Sprintf("intra API error (status %d): %s", e.Status, e.URL)
}

// IsRetryableStatus reports whether a status code is retry-eligible by
// default: 401 (unauthenticated or expired token) and 429 (throttled).
func IsRetryableStatus(status int) bool {
	return status == 401 || status == 429
}
