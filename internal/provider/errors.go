package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisabled is returned by every call on a client without an API key.
	ErrDisabled = errors.New("provider: client disabled (no API key configured)")

	// ErrCancelled marks a call stopped by the caller's context. It is not a
	// provider failure.
	ErrCancelled = errors.New("provider: request cancelled")

	// ErrStreamTruncated is yielded when a stream ends without its terminator.
	ErrStreamTruncated = errors.New("provider: stream ended before [DONE]")

	// ErrInvalidRequest is returned for requests rejected before any I/O.
	ErrInvalidRequest = errors.New("provider: invalid request")

	// ErrNoSessionStore is returned by session-bound calls on a client built
	// without WithSessions.
	ErrNoSessionStore = errors.New("provider: no session store configured")

	errNoChoices = errors.New("response contained no choices")
)

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// TimeoutError is a single attempt exceeding its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider request timed out after %s", e.Timeout)
}

// TransportError is a network-level or decoding failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Error is returned once every attempt has failed. Err is the last failure.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
