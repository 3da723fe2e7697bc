package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StreamState is the lifecycle state of a streaming session.
type StreamState int

const (
	// StreamIdle means Start has produced a sequence but nothing has been
	// consumed yet.
	StreamIdle StreamState = iota

	// StreamConnecting means the initial connect is in flight.
	StreamConnecting

	// StreamActive means live events are being consumed.
	StreamActive

	// StreamReconnecting means the live connection was lost and the
	// session is re-establishing it under backoff.
	StreamReconnecting

	// StreamBackfilling means the session is replaying events missed
	// during the disconnection gap.
	StreamBackfilling

	// StreamTerminated is absorbing: no further events will be produced.
	StreamTerminated
)

// String returns the string representation of the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamActive:
		return "streaming"
	case StreamReconnecting:
		return "reconnecting"
	case StreamBackfilling:
		return "backfilling"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Cursor marks how far a session has confirmed delivery. It only advances in
// event order, and only after the event has been handed to the caller, so an
// event returned but not yet followed by another Next call is still covered
// by the next backfill.
type Cursor struct {
	// LastEventID is the identity of the last delivered event, when the
	// transport assigns ids.
	LastEventID string

	// LastEventAt is the timestamp of the last delivered event, for
	// transports that order by time.
	LastEventAt time.Time

	// ConfirmedAt is when delivery was confirmed.
	ConfirmedAt time.Time
}

// Empty reports whether the cursor marks any position at all.
func (c Cursor) Empty() bool {
	return c.LastEventID == "" && c.LastEventAt.IsZero()
}

// StreamSession builds event sequences over a streaming transport. Connect
// and backfill calls go through internal dispatchers, so they are budget
// gated, classified, and retried exactly like request/response operations.
type StreamSession[Req, E any] struct {
	transport  StreamTransport[Req, E]
	config     *StreamConfig
	backoff    *Backoff
	classifier Classifier
	tracker    *BudgetTracker
	logger     *slog.Logger
}

// NewStreamSession creates a session factory over a streaming transport.
//
// Example:
//
//	session := resilience.NewStreamSession(
//	    transport,
//	    resilience.WithLivenessWindow(30*time.Second),
//	    resilience.WithBackfillPageSize(100),
//	    resilience.WithStreamBudget(dispatcher.Tracker()),
//	)
//	seq := session.Start(req)
func NewStreamSession[Req, E any](transport StreamTransport[Req, E], opts ...StreamOption) *StreamSession[Req, E] {
	config := DefaultStreamConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Classifier == nil {
		config.Classifier = DefaultClassifier()
	}

	backoff := config.Backoff
	if backoff == nil {
		backoff = NewBackoff(config.BackoffOptions...)
	}

	tracker := config.Tracker
	if tracker == nil {
		tracker = NewBudgetTracker()
	}

	return &StreamSession[Req, E]{
		transport:  transport,
		config:     config,
		backoff:    backoff,
		classifier: config.Classifier,
		tracker:    tracker,
		logger:     config.Logger,
	}
}

// Start creates a lazy, unbounded, non-restartable event sequence for the
// request. Nothing is sent until the first Next call.
func (s *StreamSession[Req, E]) Start(req Req) *EventSequence[Req, E] {
	seq := &EventSequence[Req, E]{
		session: s,
		req:     req,
		id:      uuid.NewString(),
	}
	seq.logger = s.logger.With("session", seq.id)

	open := TransportFunc[Req, StreamHandle[E]](func(ctx context.Context, op Operation[Req]) (*Outcome[StreamHandle[E]], error) {
		handle, err := s.transport.Open(ctx, op.Request, seq.cursor)
		if err != nil {
			return nil, err
		}
		return &Outcome[StreamHandle[E]]{Payload: handle}, nil
	})

	backfill := TransportFunc[Req, []Event[E]](func(ctx context.Context, op Operation[Req]) (*Outcome[[]Event[E]], error) {
		events, err := s.transport.Backfill(ctx, op.Request, seq.cursor, s.config.BackfillPageSize)
		if err != nil {
			return nil, err
		}
		return &Outcome[[]Event[E]]{Payload: events}, nil
	})

	shared := func(b *Backoff) []DispatcherOption {
		return []DispatcherOption{
			WithClassifier(s.classifier),
			WithBudgetTracker(s.tracker),
			WithLogger(seq.logger),
			WithBackoff(b),
		}
	}

	// The initial connect and backfill queries are retried like any
	// request. Reconnect rounds make exactly one transport call each: the
	// session owns the outage attempt count, so a nested retry loop would
	// double-count backoff.
	seq.connectD = NewDispatcher(open, shared(s.backoff)...)
	seq.reconnectD = NewDispatcher(open, shared(NoRetry())...)
	seq.backfillD = NewDispatcher(backfill, shared(s.backoff)...)

	return seq
}

// EventSequence is a lazy, unbounded sequence of stream events. It is not
// restartable: once terminated it stays terminated. A sequence is owned by a
// single consumer and is not safe for concurrent use; cancel it through the
// ctx passed to Next, or with Close.
type EventSequence[Req, E any] struct {
	session *StreamSession[Req, E]
	req     Req
	id      string
	logger  *slog.Logger

	connectD   *Dispatcher[Req, StreamHandle[E]]
	reconnectD *Dispatcher[Req, StreamHandle[E]]
	backfillD  *Dispatcher[Req, []Event[E]]

	state    StreamState
	cursor   Cursor
	pending  *Event[E]
	handle   StreamHandle[E]
	queue    []Event[E]
	terminal *TerminalFailure

	outageKind       FailureKind
	outageErr        error
	outageRetryAfter time.Duration
	reconnectAttempt int

	delivered  int64
	reconnects int64
}

// Next returns the next event, blocking through connects, reconnects,
// backfills, and rate-budget waits as needed. Events arrive in cursor order:
// live order, or backfill-then-resume order after a gap, never interleaved.
//
// On unrecoverable failure Next returns a *TerminalFailure once; subsequent
// calls return ErrSequenceTerminated. Cancelling ctx terminates the sequence
// with a cancelled outcome.
func (q *EventSequence[Req, E]) Next(ctx context.Context) (Event[E], error) {
	var zero Event[E]

	if q.terminal != nil {
		return zero, ErrSequenceTerminated
	}

	// The previous event is now confirmed delivered: the caller came back
	// for more. Advancing the cursor here, not at hand-off, keeps a crash
	// between hand-off and the next call covered by backfill.
	q.commit()

	for {
		if err := ctx.Err(); err != nil {
			return zero, q.terminate(FailureCancelled, err, 1)
		}

		// Drain any backfilled events before touching the network.
		if len(q.queue) > 0 {
			ev := q.queue[0]
			q.queue = q.queue[1:]
			q.stage(ev)
			return ev, nil
		}

		switch q.state {
		case StreamIdle:
			q.setState(StreamConnecting)

		case StreamConnecting:
			handle, err := q.connectD.Execute(ctx, q.openOp())
			if err != nil {
				return zero, q.terminateFrom(err)
			}
			q.handle = handle
			q.setState(StreamActive)

		case StreamActive:
			ev, err := q.readLive(ctx)
			if err == nil {
				if ev.Heartbeat {
					continue
				}
				q.stage(ev)
				return ev, nil
			}
			if ctx.Err() != nil {
				return zero, q.terminate(FailureCancelled, ctx.Err(), 1)
			}
			kind := q.session.classifier.Classify(err)
			if !kind.Retryable() {
				return zero, q.terminate(kind, err, 1)
			}
			q.beginOutage(kind, err)

		case StreamReconnecting:
			q.reconnectAttempt++
			delay, ok := q.session.backoff.Next(q.reconnectAttempt, q.outageKind, q.outageRetryAfter)
			if !ok {
				return zero, q.terminate(q.outageKind, q.outageErr, q.reconnectAttempt)
			}
			q.logger.Debug("reconnect backoff",
				"attempt", q.reconnectAttempt,
				"delay", delay,
				"kind", q.outageKind.String())
			if err := sleepFor(ctx, delay); err != nil {
				return zero, q.terminate(FailureCancelled, err, q.reconnectAttempt)
			}

			handle, err := q.reconnectD.Execute(ctx, q.openOp())
			if err != nil {
				var tf *TerminalFailure
				if errors.As(err, &tf) {
					if !tf.Kind.Retryable() {
						return zero, q.terminate(tf.Kind, tf.Err, q.reconnectAttempt)
					}
					q.outageKind = tf.Kind
					q.outageErr = tf.Err
				} else {
					q.outageErr = err
				}
				continue
			}

			q.handle = handle
			q.reconnects++
			q.reconnectAttempt = 0
			q.logger.Info("stream reconnected", "reconnects", q.reconnects)
			if q.cursor.Empty() {
				q.setState(StreamActive)
			} else {
				q.setState(StreamBackfilling)
			}

		case StreamBackfilling:
			page, err := q.backfillD.Execute(ctx, q.backfillOp())
			if err != nil {
				return zero, q.terminateFrom(err)
			}
			if len(page) < q.session.config.BackfillPageSize {
				// Caught up to near-real-time once this page
				// drains; the empty final page resumes live
				// consumption immediately.
				q.setState(StreamActive)
			}
			q.queue = page

		case StreamTerminated:
			return zero, ErrSequenceTerminated
		}
	}
}

// readLive waits for the next live event within the liveness window.
// A window that elapses with no event and no heartbeat is a silent
// disconnect.
func (q *EventSequence[Req, E]) readLive(ctx context.Context) (Event[E], error) {
	lctx, cancel := context.WithTimeout(ctx, q.session.config.LivenessWindow)
	defer cancel()

	ev, err := q.handle.Next(lctx)
	if err != nil && lctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return Event[E]{}, ErrStreamGap
	}
	return ev, err
}

// stage records an event as handed off; commit on the next call makes it
// final.
func (q *EventSequence[Req, E]) stage(ev Event[E]) {
	q.pending = &ev
	q.delivered++
}

// commit advances the cursor past the last handed-off event.
func (q *EventSequence[Req, E]) commit() {
	if q.pending == nil {
		return
	}
	q.cursor = Cursor{
		LastEventID: q.pending.ID,
		LastEventAt: q.pending.Timestamp,
		ConfirmedAt: time.Now(),
	}
	q.pending = nil
}

// beginOutage closes the live connection and moves to reconnecting.
func (q *EventSequence[Req, E]) beginOutage(kind FailureKind, err error) {
	if q.handle != nil {
		_ = q.handle.Close()
		q.handle = nil
	}
	q.outageKind = kind
	q.outageErr = err
	q.outageRetryAfter = 0
	var rle *RateLimitError
	if errors.As(err, &rle) {
		q.outageRetryAfter = rle.RetryAfter
	}
	q.logger.Warn("live stream interrupted",
		"kind", kind.String(),
		"error", err)
	q.setState(StreamReconnecting)
}

// terminate moves to the absorbing terminated state and returns the terminal
// failure exactly once.
func (q *EventSequence[Req, E]) terminate(kind FailureKind, err error, attempts int) error {
	q.terminal = &TerminalFailure{Kind: kind, Attempts: attempts, Err: err}
	q.shutdown()
	q.logger.Warn("stream terminated",
		"kind", kind.String(),
		"attempts", attempts,
		"error", err)
	return q.terminal
}

// terminateFrom terminates with a failure already shaped by a dispatcher.
func (q *EventSequence[Req, E]) terminateFrom(err error) error {
	var tf *TerminalFailure
	if !errors.As(err, &tf) {
		tf = &TerminalFailure{Kind: q.session.classifier.Classify(err), Attempts: 1, Err: err}
	}
	q.terminal = tf
	q.shutdown()
	q.logger.Warn("stream terminated",
		"kind", tf.Kind.String(),
		"attempts", tf.Attempts,
		"error", tf.Err)
	return q.terminal
}

func (q *EventSequence[Req, E]) shutdown() {
	if q.handle != nil {
		_ = q.handle.Close()
		q.handle = nil
	}
	q.queue = nil
	q.setState(StreamTerminated)
}

// Close cancels the sequence from the consumer side. The live connection is
// closed if open and no backfill is attempted. Subsequent Next calls return
// ErrSequenceTerminated.
func (q *EventSequence[Req, E]) Close() error {
	if q.state == StreamTerminated {
		return nil
	}
	var err error
	if q.handle != nil {
		err = q.handle.Close()
		q.handle = nil
	}
	q.terminal = &TerminalFailure{Kind: FailureCancelled, Attempts: 1, Err: context.Canceled}
	q.queue = nil
	q.setState(StreamTerminated)
	return err
}

func (q *EventSequence[Req, E]) setState(next StreamState) {
	if q.state == next {
		return
	}
	q.logger.Debug("stream state change",
		"from", q.state.String(),
		"to", next.String())
	q.state = next
}

// State returns the current stream state.
func (q *EventSequence[Req, E]) State() StreamState {
	return q.state
}

// Cursor returns the confirmed delivery position.
func (q *EventSequence[Req, E]) Cursor() Cursor {
	return q.cursor
}

func (q *EventSequence[Req, E]) openOp() Operation[Req] {
	return Operation[Req]{
		Bucket:  q.session.config.ConnectBucket,
		Name:    "stream.open",
		Request: q.req,
	}
}

func (q *EventSequence[Req, E]) backfillOp() Operation[Req] {
	return Operation[Req]{
		Bucket:  q.session.config.BackfillBucket,
		Name:    "stream.backfill",
		Request: q.req,
	}
}

// SessionStatus is a point-in-time snapshot of a sequence.
type SessionStatus struct {
	// State is the current stream state.
	State string `json:"state"`

	// Cursor is the confirmed delivery position.
	Cursor Cursor `json:"cursor"`

	// Delivered is the number of events handed to the caller.
	Delivered int64 `json:"delivered"`

	// Reconnects is the number of successful reconnections.
	Reconnects int64 `json:"reconnects"`
}

// Status returns a snapshot of the sequence for logging and health checks.
func (q *EventSequence[Req, E]) Status() SessionStatus {
	return SessionStatus{
		State:      q.state.String(),
		Cursor:     q.cursor,
		Delivered:  q.delivered,
		Reconnects: q.reconnects,
	}
}
