package resilience

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// BackoffConfig holds backoff engine configuration.
type BackoffConfig struct {
	// MaxAttempts caps the total number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay unit for the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the backoff ceiling.
	// Default: 30 seconds
	MaxDelay time.Duration

	// JitterSeed seeds the jitter source. Fix it for deterministic delays
	// in tests; the default is time-based.
	JitterSeed int64
}

// BackoffOption is a functional option for configuring the backoff engine.
type BackoffOption func(*BackoffConfig)

// WithBackoffAttempts caps the total attempt count, including the first call.
func WithBackoffAttempts(attempts int) BackoffOption {
	return func(c *BackoffConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoffDelays sets the base delay and the ceiling.
//
// Example:
//
//	resilience.WithBackoffDelays(time.Second, 30*time.Second)
//	// ~1s, ~2s, ~4s, ... capped at 30s (before jitter)
func WithBackoffDelays(base, max time.Duration) BackoffOption {
	return func(c *BackoffConfig) {
		c.BaseDelay = base
		c.MaxDelay = max
	}
}

// WithJitterSeed fixes the jitter source seed for deterministic delays.
func WithJitterSeed(seed int64) BackoffOption {
	return func(c *BackoffConfig) {
		c.JitterSeed = seed
	}
}

// DefaultBackoffConfig returns backoff configuration with sensible defaults.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		JitterSeed:  time.Now().UnixNano(),
	}
}

// DispatcherConfig holds request dispatcher configuration.
type DispatcherConfig struct {
	// Backoff decides retry delays. Default: NewBackoff() with the
	// options below applied.
	Backoff *Backoff

	// BackoffOptions configure the engine when Backoff is nil.
	BackoffOptions []BackoffOption

	// Classifier maps transport errors to failure kinds.
	// Default: StatusClassifier
	Classifier Classifier

	// Tracker is the rate budget tracker. Pass a shared instance when
	// several dispatchers or sessions draw on the same credential.
	// Default: a fresh tracker owned by this dispatcher
	Tracker *BudgetTracker

	// Pacer optionally floors the outbound request rate independent of
	// the server-reported budget.
	Pacer *rate.Limiter

	// Logger for dispatch operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DispatcherOption is a functional option for configuring a dispatcher.
type DispatcherOption func(*DispatcherConfig)

// WithMaxAttempts caps the retry count, including the initial call.
//
// Example:
//
//	resilience.WithMaxAttempts(5) // try up to 5 times total
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.BackoffOptions = append(c.BackoffOptions, WithBackoffAttempts(attempts))
	}
}

// WithDelays sets the backoff base delay and ceiling.
func WithDelays(base, max time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.BackoffOptions = append(c.BackoffOptions, WithBackoffDelays(base, max))
	}
}

// WithBackoff replaces the dispatcher's backoff engine entirely.
func WithBackoff(b *Backoff) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Backoff = b
	}
}

// WithClassifier sets a custom failure classifier.
func WithClassifier(classifier Classifier) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Classifier = classifier
	}
}

// WithBudgetTracker shares a rate budget tracker across dispatchers and
// sessions that consume the same per-credential budget.
func WithBudgetTracker(tracker *BudgetTracker) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Tracker = tracker
	}
}

// WithPacer sets a client-side rate floor applied before every send, on top
// of the server-reported budget.
//
// Example:
//
//	resilience.WithPacer(rate.NewLimiter(rate.Limit(5), 1)) // ≤5 req/s
func WithPacer(pacer *rate.Limiter) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Pacer = pacer
	}
}

// WithLogger sets a custom logger for dispatch operations.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Logger = logger
	}
}

// DefaultDispatcherConfig returns dispatcher configuration with defaults.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Classifier: DefaultClassifier(),
		Logger:     slog.Default(),
	}
}

// StreamConfig holds streaming session configuration.
type StreamConfig struct {
	// LivenessWindow is the maximum silence (no event, no heartbeat) on a
	// live connection before it is presumed disconnected.
	// Default: 30 seconds
	LivenessWindow time.Duration

	// BackfillPageSize is the maximum events requested per backfill call.
	// Default: 100
	BackfillPageSize int

	// ConnectBucket is the rate-limit bucket connect calls draw from.
	// Default: "stream.connect"
	ConnectBucket string

	// BackfillBucket is the rate-limit bucket backfill calls draw from.
	// Default: "stream.backfill"
	BackfillBucket string

	// Backoff decides reconnect and backfill retry delays.
	// Default: NewBackoff() with the options below applied.
	Backoff *Backoff

	// BackoffOptions configure the engine when Backoff is nil.
	BackoffOptions []BackoffOption

	// Classifier maps transport errors to failure kinds.
	// Default: StatusClassifier
	Classifier Classifier

	// Tracker is the rate budget tracker; share it with the dispatcher
	// serving the same credential.
	// Default: a fresh tracker owned by this session
	Tracker *BudgetTracker

	// Logger for session operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// StreamOption is a functional option for configuring a streaming session.
type StreamOption func(*StreamConfig)

// WithLivenessWindow sets the maximum silence before a stream is considered
// gapped.
func WithLivenessWindow(window time.Duration) StreamOption {
	return func(c *StreamConfig) {
		c.LivenessWindow = window
	}
}

// WithBackfillPageSize caps the events requested per backfill call. Large
// gaps are replayed in successive pages of this size rather than one
// unbounded query.
func WithBackfillPageSize(size int) StreamOption {
	return func(c *StreamConfig) {
		c.BackfillPageSize = size
	}
}

// WithStreamBuckets names the rate-limit buckets for connect and backfill
// calls.
func WithStreamBuckets(connect, backfill string) StreamOption {
	return func(c *StreamConfig) {
		c.ConnectBucket = connect
		c.BackfillBucket = backfill
	}
}

// WithStreamAttempts caps reconnect rounds (and backfill retries) per outage.
func WithStreamAttempts(attempts int) StreamOption {
	return func(c *StreamConfig) {
		c.BackoffOptions = append(c.BackoffOptions, WithBackoffAttempts(attempts))
	}
}

// WithStreamDelays sets the reconnect backoff base delay and ceiling.
func WithStreamDelays(base, max time.Duration) StreamOption {
	return func(c *StreamConfig) {
		c.BackoffOptions = append(c.BackoffOptions, WithBackoffDelays(base, max))
	}
}

// WithStreamBackoff replaces the session's backoff engine entirely.
func WithStreamBackoff(b *Backoff) StreamOption {
	return func(c *StreamConfig) {
		c.Backoff = b
	}
}

// WithStreamClassifier sets a custom failure classifier for the session.
func WithStreamClassifier(classifier Classifier) StreamOption {
	return func(c *StreamConfig) {
		c.Classifier = classifier
	}
}

// WithStreamBudget shares a rate budget tracker with the dispatchers serving
// the same credential, so stream connects and backfills draw on the real
// per-credential budget.
func WithStreamBudget(tracker *BudgetTracker) StreamOption {
	return func(c *StreamConfig) {
		c.Tracker = tracker
	}
}

// WithStreamLogger sets a custom logger for session operations.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(c *StreamConfig) {
		c.Logger = logger
	}
}

// DefaultStreamConfig returns streaming session configuration with defaults.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		LivenessWindow:   30 * time.Second,
		BackfillPageSize: 100,
		ConnectBucket:    "stream.connect",
		BackfillBucket:   "stream.backfill",
		Classifier:       DefaultClassifier(),
		Logger:           slog.Default(),
	}
}
