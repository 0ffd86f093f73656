package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TransientError covers network failures, 5xx responses and rate limits.
// Callers may retry after RetryAfter (zero means "use your own backoff").
type TransientError struct {
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: status %d", e.Op, e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvalidContinuationTokenError indicates the stored token was rejected
// and the full-resync fallback itself could not recover. It is handled by
// the orchestrator and never surfaced to sync callers.
type InvalidContinuationTokenError struct {
	Provider string
}

func (e *InvalidContinuationTokenError) Error() string {
	return fmt.Sprintf("%s: continuation token invalid after full resync", e.Provider)
}

// ReauthorizationRequiredError is terminal for the connection until the
// user re-links it.
type ReauthorizationRequiredError struct {
	ConnectionID string
	Err          error
}

func (e *ReauthorizationRequiredError) Error() string {
	return fmt.Sprintf("connection %s requires reauthorization", e.ConnectionID)
}

func (e *ReauthorizationRequiredError) Unwrap() error { return e.Err }

// MalformedEventError describes one event that could not be normalized.
type MalformedEventError struct {
	ProviderEventID string
	Reason          string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %s: %s", e.ProviderEventID, e.Reason)
}

// IsTransient reports whether err should be retried later.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// transientFromStatus maps a retryable HTTP status onto a TransientError,
// honoring a Retry-After header when present. Returns nil for statuses the
// caller must handle itself.
func transientFromStatus(op string, status int, header http.Header) *TransientError {
	switch {
	case status == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: status, RetryAfter: retryAfter(header)}
	case status >= 500:
		return &TransientError{Op: op, StatusCode: status}
	default:
		return nil
	}
}

func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
