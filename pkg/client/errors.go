package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a request or backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrRateLimited matches any rate limit failure: a 429, a 403 with an
	// exhausted budget, or a tracker that refuses to wait for the reset.
	ErrRateLimited = errors.New("rate limited")
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and 403 responses with an
	// exhausted rate limit.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError represents a failed GitHub request with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the server-requested delay (Retry-After or the time
	// until X-RateLimit-Reset), zero when none was given.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("GitHub %s error: %s: %v", e.ErrorClass, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("GitHub %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("GitHub %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is reports rate limit errors as ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.ErrorClass == ErrorClassRateLimit
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx errors and unclassified errors are final
		return false
	}
}

// classOf extracts the ErrorClass carried by err, or "".
func classOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// retryAfterOf extracts the server-requested delay carried by err.
func retryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
