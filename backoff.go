package resilience

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff decides, from an attempt count and a classified failure, whether to
// retry and how long to wait first. Delays grow exponentially from BaseDelay,
// capped at MaxDelay, with full jitter (uniform in [0, delay]) so many
// independent sessions reconnecting after the same outage do not stampede the
// server. A server-specified retry-after hint takes precedence over the
// computed delay whenever it is larger.
//
// Given a fixed jitter seed the decision sequence is deterministic.
type Backoff struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// rng is guarded; one Backoff may serve concurrent dispatcher calls.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a backoff engine.
//
// Example:
//
//	b := resilience.NewBackoff(
//	    resilience.WithBackoffAttempts(5),
//	    resilience.WithBackoffDelays(time.Second, 30*time.Second),
//	)
func NewBackoff(opts ...BackoffOption) *Backoff {
	config := DefaultBackoffConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &Backoff{
		maxAttempts: config.MaxAttempts,
		baseDelay:   config.BaseDelay,
		maxDelay:    config.MaxDelay,
		rng:         rand.New(rand.NewSource(config.JitterSeed)),
	}
}

// NoRetry returns a backoff engine that never retries: every failure is
// terminal after the first attempt.
func NoRetry() *Backoff {
	return NewBackoff(WithBackoffAttempts(1))
}

// Aggressive returns a backoff engine tuned for callers that prefer fast,
// persistent recovery: five attempts starting at 100ms, capped at 30s.
func Aggressive() *Backoff {
	return NewBackoff(
		WithBackoffAttempts(5),
		WithBackoffDelays(100*time.Millisecond, 30*time.Second),
	)
}

// MaxAttempts returns the configured attempt cap.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

// Next decides the fate of the attempt that just failed. attempt is 1-based:
// Next(1, ...) follows the first transport call. It returns the delay to wait
// before the next attempt and true, or 0 and false when the operation should
// give up: either the kind is not retryable, or attempt has reached the
// configured maximum.
func (b *Backoff) Next(attempt int, kind FailureKind, retryAfter time.Duration) (time.Duration, bool) {
	if !kind.Retryable() {
		return 0, false
	}
	if attempt >= b.maxAttempts {
		return 0, false
	}

	delay := b.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.maxDelay || delay <= 0 {
			delay = b.maxDelay
			break
		}
	}
	if delay > b.maxDelay {
		delay = b.maxDelay
	}

	// Full jitter: uniform in [0, delay].
	if delay > 0 {
		b.mu.Lock()
		delay = time.Duration(b.rng.Int63n(int64(delay) + 1))
		b.mu.Unlock()
	}

	if retryAfter > delay {
		delay = retryAfter
	}

	return delay, true
}

// driver exposes the engine as a go-retry Backoff for one in-flight
// operation, reading the attempt count and the last classified failure from
// the operation's retry context. retry.Do consults it after every retryable
// error to either sleep or stop.
func (b *Backoff) driver(rc *retryContext) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, ok := b.Next(rc.attempt, rc.lastKind, rc.retryAfter)
		if !ok {
			return 0, true
		}
		return delay, false
	})
}

// retryContext is the per-operation retry state. It is created fresh for each
// dispatcher call and never shared across concurrent operations.
type retryContext struct {
	attempt        int
	sends          int
	firstAttemptAt time.Time
	lastKind       FailureKind
	lastErr        error
	retryAfter     time.Duration
}
