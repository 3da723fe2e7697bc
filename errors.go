package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions the package itself detects.
var (
	// ErrStreamGap indicates the liveness window elapsed with no event or
	// heartbeat on a live connection. The session treats it as a silent
	// disconnect and reconnects with backfill.
	ErrStreamGap = errors.New("resilience: stream liveness window elapsed")

	// ErrSequenceTerminated is returned by EventSequence.Next after the
	// sequence has already surfaced its terminal outcome.
	ErrSequenceTerminated = errors.New("resilience: event sequence terminated")
)

// TerminalFailure is the single failure value surfaced to callers once
// retries are exhausted or the failure is non-retryable. It carries enough
// classification for the caller to decide whether to re-authenticate,
// reconfigure, or abandon the operation.
type TerminalFailure struct {
	// Kind is the classified failure that ended the operation.
	Kind FailureKind

	// Attempts is how many transport calls were made, including the first.
	Attempts int

	// Err is the last underlying error.
	Err error
}

// Error implements the error interface.
func (f *TerminalFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("resilience: %s after %d attempt(s): %v", f.Kind, f.Attempts, f.Err)
	}
	return fmt.Sprintf("resilience: %s after %d attempt(s)", f.Kind, f.Attempts)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (f *TerminalFailure) Unwrap() error {
	return f.Err
}

// RateLimitError reports a server-signalled budget exhaustion for a bucket.
// Transports should return it (or wrap it) for 429-style responses so the
// dispatcher can record the bucket state even when the response envelope
// carried no budget fields.
type RateLimitError struct {
	// Bucket is the endpoint group that was rate limited.
	Bucket string

	// ResetAt is when the budget refreshes, if the server reported it.
	ResetAt time.Time

	// RetryAfter is an explicit wait hint, if the server sent one.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("resilience: rate limited on bucket %q", e.Bucket)
	}
	return fmt.Sprintf("resilience: rate limited on bucket %q, reset at %s", e.Bucket, e.ResetAt.Format(time.RFC3339))
}

// StatusCode returns 429 so status-based classifiers agree with the type.
func (e *RateLimitError) StatusCode() int {
	return 429
}

// StatusCodeError wraps an error with a protocol status code.
// Use this when adapting transports whose errors carry no typed status.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the protocol status code.
// This implements the StatusError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	resp, err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(resp.StatusCode, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
