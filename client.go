// Package resilience provides a client-side resilience layer for consuming a
// remote social-platform API over both request/response and streaming
// transports. It tracks per-endpoint rate budgets reported by the server,
// retries transient failures with jittered exponential backoff, and maintains
// long-lived event streams that reconnect and backfill missed events after a
// disconnection.
//
// The package does not construct requests, sign them, or parse domain
// payloads. Callers supply an authenticated Transport (and, for streams, a
// StreamTransport) and receive either a typed payload or a TerminalFailure
// that classifies why the operation could not complete.
package resilience

import (
	"context"
	"time"
)

// Operation identifies one logical API call handed to a Transport.
// Bucket names the server's rate-limit scope for the call; every operation
// against the same endpoint group should share a bucket so the local budget
// shadow matches the server's accounting.
type Operation[Req any] struct {
	// Bucket is the rate-limit bucket the operation draws from,
	// e.g. "tweets.search.recent".
	Bucket string

	// Name describes the operation for logging.
	Name string

	// Request is the opaque, already-built request handed to the transport.
	Request Req
}

// BudgetSnapshot carries the server-reported rate budget for one bucket,
// typically parsed from x-rate-limit-* response headers.
type BudgetSnapshot struct {
	// Limit is the maximum number of requests allowed in the current window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the window ends and the budget refreshes.
	ResetAt time.Time
}

// Outcome is the envelope a Transport returns for one send. On protocol
// failures (non-2xx and similar) the transport should still return a non-nil
// Outcome alongside the error when the response carried budget or retry-after
// information; even rejected requests consume and report budget.
type Outcome[Resp any] struct {
	// Payload is the successful response body. Only meaningful when the
	// transport returned a nil error.
	Payload Resp

	// Budget is the rate budget reported by the response, if any.
	Budget *BudgetSnapshot

	// RetryAfter is an explicit server wait hint, if any. Zero means none.
	RetryAfter time.Duration
}

// Transport executes one already-authenticated request/response call.
// Implementations must honor ctx cancellation and should return errors that
// expose a status code (see StatusCodeError) or wrap the package sentinels so
// the default classifier can map them to a FailureKind.
type Transport[Req, Resp any] interface {
	Send(ctx context.Context, op Operation[Req]) (*Outcome[Resp], error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc[Req, Resp any] func(ctx context.Context, op Operation[Req]) (*Outcome[Resp], error)

// Send implements Transport.
func (f TransportFunc[Req, Resp]) Send(ctx context.Context, op Operation[Req]) (*Outcome[Resp], error) {
	return f(ctx, op)
}

// Event is one item read from a live stream or a backfill query.
type Event[E any] struct {
	// ID is the transport-assigned event identity, used to advance the
	// session cursor. May be empty if the transport orders by timestamp.
	ID string

	// Timestamp is when the event occurred, if the transport exposes it.
	Timestamp time.Time

	// Payload is the opaque event body.
	Payload E

	// Heartbeat marks an out-of-band keep-alive. Heartbeats refresh the
	// liveness window but are never delivered to the caller and never
	// advance the cursor.
	Heartbeat bool
}

// StreamHandle is one live connection yielded by StreamTransport.Open.
// Next blocks until the next event or heartbeat arrives, ctx is done, or the
// connection fails. Close releases the connection; a pending Next should
// unblock with an error after Close.
type StreamHandle[E any] interface {
	Next(ctx context.Context) (Event[E], error)
	Close() error
}

// StreamTransport opens live event connections and answers backfill queries
// for the gap left by a disconnection.
type StreamTransport[Req, E any] interface {
	// Open establishes a live connection. A non-empty cursor tells the
	// transport where the session left off, for servers that support
	// resumption hints at connect time.
	Open(ctx context.Context, req Req, cursor Cursor) (StreamHandle[E], error)

	// Backfill returns up to limit events strictly after cursor, oldest
	// first. A page shorter than limit means the caller has caught up.
	Backfill(ctx context.Context, req Req, cursor Cursor, limit int) ([]Event[E], error)
}
