package remote

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// TransportError wraps a network-level failure. Always retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitError is a 403/429 response. Retried with backoff, honoring the
// server-provided delay when one was sent.
type RateLimitError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (HTTP %d), retry after %s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (HTTP %d)", e.Status)
}

// Unwrap exposes the server delay to the retry loop so the schedule honors it.
func (e *RateLimitError) Unwrap() error {
	if e.RetryAfter > 0 {
		return &backoff.RetryAfterError{Duration: e.RetryAfter}
	}
	return nil
}

// InvalidRequestError is a 4xx other than 403/429. The request itself is bad,
// so it is never retried.
type InvalidRequestError struct {
	Status int
	Body   string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request (HTTP %d): %s", e.Status, e.Body)
}

// HTTPError is a retryable server-side failure (5xx).
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Body)
}
