package resilience

import (
	"context"
	"errors"
	"io"
	"net"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
)

// FailureKind is the closed set of outcomes a transport or protocol failure
// can be classified into. Every failure maps to exactly one kind; anything
// the classifier does not recognize falls through to FailureServer so an
// unknown error shape fails toward retry, never toward silent success.
type FailureKind int

const (
	// FailureNetwork covers transient transport faults: connection resets,
	// timeouts, DNS failures, truncated bodies.
	FailureNetwork FailureKind = iota

	// FailureRateLimited means the server signalled budget exhaustion.
	// Retryable, honoring the reported reset time or retry-after hint.
	FailureRateLimited

	// FailureServer covers 5xx-equivalent responses and unrecognized
	// failures. Retryable.
	FailureServer

	// FailureAuth means the credential was rejected or expired. Not
	// retryable; the caller must involve its auth collaborator.
	FailureAuth

	// FailureClient covers malformed requests and invalid parameters.
	// Not retryable.
	FailureClient

	// FailureStreamGap means a live connection went silent past the
	// liveness window or dropped without an error. It triggers
	// reconnect-with-backfill rather than a plain resend.
	FailureStreamGap

	// FailureCancelled means the caller cancelled the operation.
	FailureCancelled
)

// String returns the string representation of the failure kind.
func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network_transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureServer:
		return "server_error"
	case FailureAuth:
		return "auth_expired"
	case FailureClient:
		return "client_error"
	case FailureStreamGap:
		return "stream_gap"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind may be retried by the backoff engine.
// FailureStreamGap is retryable in the sense that the streaming session
// reconnects under backoff; it is never a plain dispatcher resend.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureNetwork, FailureRateLimited, FailureServer, FailureStreamGap:
		return true
	default:
		return false
	}
}

// Classifier maps any transport or protocol error to exactly one FailureKind.
// Implement this to teach the dispatcher about transport-specific error
// shapes; classification must be total.
type Classifier interface {
	Classify(err error) FailureKind
}

// StatusError is implemented by errors that carry a protocol status code.
// Many client libraries provide errors satisfying this interface.
type StatusError interface {
	error
	StatusCode() int
}

// StatusClassifier is the default Classifier. It recognizes context
// cancellation, the package sentinels, jp-go-errors sentinels, net errors,
// and status codes, in that order. Unmatched errors classify as
// FailureServer.
type StatusClassifier struct{}

// NewStatusClassifier creates the default classifier.
func NewStatusClassifier() *StatusClassifier {
	return &StatusClassifier{}
}

// Classify implements Classifier.
func (c *StatusClassifier) Classify(err error) FailureKind {
	if err == nil {
		return FailureServer
	}

	// Caller cancellation first: a cancelled context often also looks like
	// a timeout to net error checks.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCancelled
	}

	if errors.Is(err, ErrStreamGap) {
		return FailureStreamGap
	}

	var rle *RateLimitError
	if errors.As(err, &rle) || errors.Is(err, pkgerrors.ErrRateLimited) {
		return FailureRateLimited
	}

	if pkgerrors.IsTimeout(err) {
		return FailureNetwork
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return FailureNetwork
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return FailureNetwork
	}
	var dnserr *net.DNSError
	if errors.As(err, &dnserr) {
		return FailureNetwork
	}
	// A live connection that ends mid-body surfaces as EOF.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureNetwork
	}

	if code := extractStatusCode(err); code != 0 {
		switch {
		case code == 401 || code == 403:
			return FailureAuth
		case code == 429:
			return FailureRateLimited
		case code == 408:
			return FailureNetwork
		case code >= 400 && code < 500:
			return FailureClient
		default:
			return FailureServer
		}
	}

	// Catch-all: fail toward retry, not toward silent success.
	return FailureServer
}

// DefaultClassifier returns the classifier used when none is configured.
func DefaultClassifier() Classifier {
	return NewStatusClassifier()
}

// extractStatusCode attempts to extract a protocol status code from an error.
func extractStatusCode(err error) int {
	var serr StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode()
	}

	// Some error types expose StatusCode without the error interface match.
	type statusProvider interface {
		StatusCode() int
	}
	var provider statusProvider
	if errors.As(err, &provider) {
		return provider.StatusCode()
	}

	return 0
}
