package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrNoEligibleModel   = errors.New("no eligible model")
	ErrBackendError      = errors.New("backend error")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnknownModel      = errors.New("unknown model")
)

// RateLimitError reports which admission dimension failed and when the
// caller may retry. Wraps ErrRateLimitExceeded so errors.Is still works.
type RateLimitError struct {
	Dimension  string
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (limit %d, retry after %s)", e.Dimension, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// CircuitOpenError is returned instead of attempting a call to a dependency
// whose circuit is open.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Dependency, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }
