package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Dispatcher executes logical operations end-to-end: it consults the rate
// budget tracker before every send (retries included), delegates to the
// transport, records any budget the response carried, classifies failures,
// and retries under the backoff engine. Exactly one transport call is made
// per loop iteration; there are no silent duplicate sends.
//
// A failed call returns *TerminalFailure carrying the classified kind and the
// number of transport calls made.
type Dispatcher[Req, Resp any] struct {
	transport  Transport[Req, Resp]
	backoff    *Backoff
	classifier Classifier
	tracker    *BudgetTracker
	pacer      *rate.Limiter
	logger     *slog.Logger
	stats      *dispatchStats
}

// dispatchStats tracks dispatcher operation statistics.
type dispatchStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewDispatcher creates a dispatcher over an authenticated transport.
//
// Example:
//
//	d := resilience.NewDispatcher(
//	    transport,
//	    resilience.WithMaxAttempts(5),
//	    resilience.WithDelays(time.Second, 30*time.Second),
//	)
func NewDispatcher[Req, Resp any](transport Transport[Req, Resp], opts ...DispatcherOption) *Dispatcher[Req, Resp] {
	config := DefaultDispatcherConfig()
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

	return &Dispatcher[Req, Resp]{
		transport:  transport,
		backoff:    backoff,
		classifier: config.Classifier,
		tracker:    tracker,
		pacer:      config.Pacer,
		logger:     config.Logger,
		stats:      &dispatchStats{},
	}
}

// Tracker returns the dispatcher's budget tracker, for sharing with
// streaming sessions drawing on the same credential.
func (d *Dispatcher[Req, Resp]) Tracker() *BudgetTracker {
	return d.tracker
}

// Execute performs one logical operation with budget gating and retries.
// On failure the returned error is a *TerminalFailure.
func (d *Dispatcher[Req, Resp]) Execute(ctx context.Context, op Operation[Req]) (Resp, error) {
	var zero Resp

	// Bail before the first send if the caller already gave up.
	select {
	case <-ctx.Done():
		return zero, &TerminalFailure{Kind: FailureCancelled, Err: ctx.Err()}
	default:
	}

	rc := &retryContext{firstAttemptAt: time.Now()}
	opID := uuid.NewString()
	var payload Resp

	err := retry.Do(ctx, d.backoff.driver(rc), func(ctx context.Context) error {
		rc.attempt++
		d.recordAttempt(rc.attempt)

		// Budget gate before every send, retries included. Reserve
		// again after the wait: the window may have been refreshed by
		// a concurrent response in the meantime.
		for {
			res := d.tracker.Reserve(op.Bucket)
			if res.Allowed {
				break
			}
			d.logger.Debug("rate budget exhausted, waiting for reset",
				"op", op.Name,
				"bucket", op.Bucket,
				"id", opID,
				"until", res.WaitUntil)
			if err := sleepUntil(ctx, res.WaitUntil); err != nil {
				return err
			}
		}

		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		out, err := d.transport.Send(ctx, op)
		rc.sends++
		rc.retryAfter = 0
		if out != nil {
			// Even failed responses may carry budget headers.
			if out.Budget != nil {
				d.tracker.Observe(op.Bucket, *out.Budget)
			}
			rc.retryAfter = out.RetryAfter
		}

		if err == nil {
			if rc.attempt > 1 {
				d.logger.Info("operation succeeded after retry",
					"op", op.Name,
					"id", opID,
					"attempts", rc.attempt)
			}
			payload = out.Payload
			return nil
		}

		kind := d.classifier.Classify(err)
		rc.lastKind = kind
		rc.lastErr = err

		var rle *RateLimitError
		if errors.As(err, &rle) {
			if !rle.ResetAt.IsZero() {
				d.tracker.Observe(op.Bucket, BudgetSnapshot{ResetAt: rle.ResetAt})
			}
			if rle.RetryAfter > rc.retryAfter {
				rc.retryAfter = rle.RetryAfter
			}
		}

		if !kind.Retryable() {
			d.logger.Debug("non-retryable failure, giving up",
				"op", op.Name,
				"id", opID,
				"kind", kind.String(),
				"error", err)
			return &TerminalFailure{Kind: kind, Attempts: rc.sends, Err: err}
		}

		d.logger.Debug("retrying after failure",
			"op", op.Name,
			"id", opID,
			"attempt", rc.attempt,
			"kind", kind.String(),
			"error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		tf := d.terminalFrom(err, rc)
		d.recordFailure(tf)
		d.logger.Warn("operation failed",
			"op", op.Name,
			"id", opID,
			"kind", tf.Kind.String(),
			"attempts", tf.Attempts,
			"error", tf.Err)
		return zero, tf
	}

	d.recordSuccess()
	return payload, nil
}

// terminalFrom normalizes whatever retry.Do surfaced into a TerminalFailure.
func (d *Dispatcher[Req, Resp]) terminalFrom(err error, rc *retryContext) *TerminalFailure {
	var tf *TerminalFailure
	if errors.As(err, &tf) {
		return tf
	}

	kind := rc.lastKind
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = FailureCancelled
	} else if rc.lastErr == nil {
		kind = d.classifier.Classify(err)
	}

	return &TerminalFailure{Kind: kind, Attempts: rc.sends, Err: err}
}

func (d *Dispatcher[Req, Resp]) recordAttempt(attempt int) {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	d.stats.totalAttempts++
	if attempt > 1 {
		d.stats.totalRetries++
	}
	d.stats.lastAttemptTime = time.Now()
}

func (d *Dispatcher[Req, Resp]) recordSuccess() {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	d.stats.totalSuccesses++
}

func (d *Dispatcher[Req, Resp]) recordFailure(tf *TerminalFailure) {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	d.stats.totalFailures++
	d.stats.lastError = tf
}

// DispatchStats holds statistics about dispatcher operations.
type DispatchStats struct {
	// TotalAttempts is the total number of attempts made, including
	// initial calls and retries.
	TotalAttempts int64

	// TotalRetries is the number of retry attempts.
	TotalRetries int64

	// TotalSuccesses is the number of successful operations.
	TotalSuccesses int64

	// TotalFailures is the number of operations that ended in a terminal
	// failure.
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt.
	LastAttemptTime time.Time

	// LastError is the last terminal failure, if any.
	LastError error
}

// Stats returns a snapshot of dispatcher statistics. Thread-safe.
func (d *Dispatcher[Req, Resp]) Stats() DispatchStats {
	d.stats.mu.RLock()
	defer d.stats.mu.RUnlock()

	return DispatchStats{
		TotalAttempts:   d.stats.totalAttempts,
		TotalRetries:    d.stats.totalRetries,
		TotalSuccesses:  d.stats.totalSuccesses,
		TotalFailures:   d.stats.totalFailures,
		LastAttemptTime: d.stats.lastAttemptTime,
		LastError:       d.stats.lastError,
	}
}

// sleepUntil suspends until the timestamp or ctx cancellation, whichever
// comes first.
func sleepUntil(ctx context.Context, t time.Time) error {
	return sleepFor(ctx, time.Until(t))
}

// sleepFor suspends for d or until ctx cancellation. A non-positive duration
// still checks for cancellation before returning.
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
