package token

import "fmt"

// TokenError reports a failed grant exchange. It is fatal for the request
// that needed the token and is never retried by the manager itself.
type TokenError struct {
	// Status is the HTTP status of the token endpoint response, 0 when no
	// response was obtained.
	Status int

	// Body is the raw response body, if any.
	Body []byte

	Message string
	Err     error
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	switch {
	case e.Err != nil && e.Status > 0:
		return fmt.Sprintf("token acquisition failed (status %d): %v", e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("token acquisition failed: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("token acquisition failed: %s", e.Message)
	default:
		return fmt.Sprintf("token acquisition failed (status %d): %s", e.Status, e.Body)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TokenError) Unwrap() error {
	return e.Err
}
