package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerErrorClassifier determines whether an error should trip the
// circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure
	// serious enough to open the circuit and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// KindTripClassifier trips the circuit on sustained platform faults
// (FailureServer) and credential rejection (FailureAuth). Rate limits,
// transient network faults, and cancellations are expected conditions and
// never trip.
type KindTripClassifier struct {
	// Classifier maps errors to failure kinds. Defaults to the package
	// default classifier if nil.
	Classifier Classifier
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (c *KindTripClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	classifier := c.Classifier
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	switch classifier.Classify(err) {
	case FailureServer, FailureAuth:
		return true
	default:
		return false
	}
}

// DefaultCircuitBreakerErrorClassifier returns the default trip classifier.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return &KindTripClassifier{}
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request
	// fails in the closed state. If it returns true, the circuit opens.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors count as circuit failures.
	// Default: KindTripClassifier
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Interval is the cyclic period of the closed state for clearing the
	// internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state
	// becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed through in
	// the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit
// breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets the timeout for staying in open state.
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip.
//
// Example:
//
//	resilience.WithReadyToTrip(func(counts resilience.CircuitBreakerCounts) bool {
//	    ratio := float64(counts.TotalFailures) / float64(counts.Requests)
//	    return counts.Requests >= 5 && ratio >= 0.5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom trip classifier.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// CircuitBreakerTransport wraps a Transport with circuit breaker protection,
// so a sustained platform outage stops consuming rate budget and retry time
// before requests even leave the process. Wrap the transport, then hand it to
// a dispatcher: the dispatcher's classifier sees circuit-open rejections as
// server faults and backs off while the circuit recovers.
type CircuitBreakerTransport[Req, Resp any] struct {
	inner      Transport[Req, Resp]
	cb         *gobreaker.CircuitBreaker[*Outcome[Resp]]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewCircuitBreakerTransport creates a circuit breaker around a transport.
//
// Example:
//
//	protected := resilience.NewCircuitBreakerTransport(
//	    transport,
//	    resilience.WithMaxRequests(5),
//	    resilience.WithTimeout(60*time.Second),
//	)
//	d := resilience.NewDispatcher(protected)
func NewCircuitBreakerTransport[Req, Resp any](
	inner Transport[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerTransport[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}

	classifier := config.ErrorClassifier

	settings := gobreaker.Settings{
		Name:        "platform-transport",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(CircuitBreakerCounts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &CircuitBreakerTransport[Req, Resp]{
		inner:      inner,
		cb:         gobreaker.NewCircuitBreaker[*Outcome[Resp]](settings),
		logger:     config.Logger,
		classifier: classifier,
	}
}

// Send implements Transport. When the circuit is open, sends are rejected
// immediately without reaching the platform. Rejections are wrapped with
// jperrors circuit breaker errors:
//   - gobreaker.ErrOpenState becomes jperrors.ErrCircuitOpen
//   - gobreaker.ErrTooManyRequests becomes jperrors.ErrCircuitTooManyRequests
func (t *CircuitBreakerTransport[Req, Resp]) Send(ctx context.Context, op Operation[Req]) (*Outcome[Resp], error) {
	out, err := t.cb.Execute(func() (*Outcome[Resp], error) {
		return t.inner.Send(ctx, op)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			counts := t.cb.Counts()
			t.logger.Warn("circuit breaker is open, send rejected",
				"op", op.Name,
				"error", err,
				"counts", counts)
			return out, jperrors.NewCircuitBreakerError(
				"send rejected",
				op.Name,
				"open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			counts := t.cb.Counts()
			t.logger.Debug("circuit breaker half-open, too many requests",
				"op", op.Name,
				"error", err)
			return out, jperrors.NewCircuitBreakerError(
				"too many requests in half-open state",
				op.Name,
				"half-open",
				jperrors.WithCause(err),
				jperrors.WithCounts(jperrors.CircuitCounts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				}),
			)
		default:
			t.logger.Debug("send failed through circuit breaker",
				"op", op.Name,
				"error", err,
				"should_trip", t.classifier.ShouldTripCircuit(err))
		}
		return out, err
	}

	return out, nil
}

// State returns the current state of the circuit breaker.
func (t *CircuitBreakerTransport[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(t.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (t *CircuitBreakerTransport[Req, Resp]) Counts() CircuitBreakerCounts {
	counts := t.cb.Counts()
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// GetHealth returns the health status of the circuit breaker.
func (t *CircuitBreakerTransport[Req, Resp]) GetHealth() HealthStatus {
	state := t.State()
	counts := t.Counts()

	var healthy bool
	var status string

	switch state {
	case StateClosed:
		healthy = true
		status = "closed"
	case StateHalfOpen:
		healthy = true // Degraded but operational
		status = "half-open"
	case StateOpen:
		healthy = false
		status = "open"
	default:
		status = "unknown"
	}

	return HealthStatus{
		Healthy:              healthy,
		Status:               status,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
