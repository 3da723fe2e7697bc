package resilience_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

// mockTransport scripts responses for the dispatcher under test.
type mockTransport struct {
	sendFunc func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error)
	calls    atomic.Int32
}

func (m *mockTransport) Send(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
	m.calls.Add(1)
	return m.sendFunc(ctx, op)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		transport *mockTransport
	)

	searchOp := resilience.Operation[string]{
		Bucket:  "tweets.search.recent",
		Name:    "tweets.search",
		Request: "from:golang",
	}

	newDispatcher := func(opts ...resilience.DispatcherOption) *resilience.Dispatcher[string, string] {
		opts = append([]resilience.DispatcherOption{
			resilience.WithLogger(testLogger()),
			resilience.WithDelays(time.Millisecond, 5*time.Millisecond),
		}, opts...)
		return resilience.NewDispatcher[string, string](transport, opts...)
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		transport = &mockTransport{}
		DeferCleanup(cancel)
	})

	Describe("Execute", func() {
		Context("when the transport succeeds", func() {
			It("returns the payload after one call", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return &resilience.Outcome[string]{Payload: "ok"}, nil
				}

				d := newDispatcher()
				payload, err := d.Execute(ctx, searchOp)

				Expect(err).NotTo(HaveOccurred())
				Expect(payload).To(Equal("ok"))
				Expect(int(transport.calls.Load())).To(Equal(1))
			})

			It("records budget carried by the response", func() {
				resetAt := time.Now().Add(time.Minute)
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return &resilience.Outcome[string]{
						Payload: "ok",
						Budget:  &resilience.BudgetSnapshot{Limit: 50, Remaining: 12, ResetAt: resetAt},
					}, nil
				}

				d := newDispatcher()
				_, err := d.Execute(ctx, searchOp)
				Expect(err).NotTo(HaveOccurred())

				snap := d.Tracker().Snapshot()["tweets.search.recent"]
				Expect(snap.Remaining).To(Equal(12))
			})
		})

		Context("when the server keeps failing", func() {
			It("makes exactly maxAttempts calls and reports the kind", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return nil, resilience.NewStatusCodeError(503, errors.New("over capacity"))
				}

				d := newDispatcher(resilience.WithMaxAttempts(3))
				_, err := d.Execute(ctx, searchOp)

				var tf *resilience.TerminalFailure
				Expect(errors.As(err, &tf)).To(BeTrue())
				Expect(tf.Kind).To(Equal(resilience.FailureServer))
				Expect(tf.Attempts).To(Equal(3))
				Expect(int(transport.calls.Load())).To(Equal(3))
			})

			It("recovers when a retry succeeds", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					if transport.calls.Load() < 3 {
						return nil, resilience.NewStatusCodeError(502, errors.New("bad gateway"))
					}
					return &resilience.Outcome[string]{Payload: "recovered"}, nil
				}

				d := newDispatcher(resilience.WithMaxAttempts(3))
				payload, err := d.Execute(ctx, searchOp)

				Expect(err).NotTo(HaveOccurred())
				Expect(payload).To(Equal("recovered"))
				Expect(int(transport.calls.Load())).To(Equal(3))
			})
		})

		Context("when the failure is not retryable", func() {
			It("gives up after one call on a client error", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return nil, resilience.NewStatusCodeError(400, errors.New("invalid query"))
				}

				d := newDispatcher(resilience.WithMaxAttempts(5))
				_, err := d.Execute(ctx, searchOp)

				var tf *resilience.TerminalFailure
				Expect(errors.As(err, &tf)).To(BeTrue())
				Expect(tf.Kind).To(Equal(resilience.FailureClient))
				Expect(tf.Attempts).To(Equal(1))
				Expect(int(transport.calls.Load())).To(Equal(1))
			})

			It("gives up after one call on an expired credential", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return nil, resilience.NewStatusCodeError(401, errors.New("token expired"))
				}

				d := newDispatcher(resilience.WithMaxAttempts(5))
				_, err := d.Execute(ctx, searchOp)

				var tf *resilience.TerminalFailure
				Expect(errors.As(err, &tf)).To(BeTrue())
				Expect(tf.Kind).To(Equal(resilience.FailureAuth))
				Expect(int(transport.calls.Load())).To(Equal(1))
			})
		})

		Context("budget gating", func() {
			It("waits for the reset before sending into an exhausted bucket", func() {
				resetAt := time.Now().Add(150 * time.Millisecond)
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					out := &resilience.Outcome[string]{Payload: "ok"}
					if transport.calls.Load() == 1 {
						out.Budget = &resilience.BudgetSnapshot{Limit: 5, Remaining: 0, ResetAt: resetAt}
					}
					return out, nil
				}

				d := newDispatcher()
				_, err := d.Execute(ctx, searchOp)
				Expect(err).NotTo(HaveOccurred())

				start := time.Now()
				_, err = d.Execute(ctx, searchOp)
				Expect(err).NotTo(HaveOccurred())
				Expect(time.Since(start)).To(BeNumerically(">=", 100*time.Millisecond))
				Expect(int(transport.calls.Load())).To(Equal(2))
			})

			It("honors a retry-after hint larger than the computed delay", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					if transport.calls.Load() == 1 {
						return &resilience.Outcome[string]{RetryAfter: 120 * time.Millisecond},
							resilience.NewStatusCodeError(503, errors.New("try later"))
					}
					return &resilience.Outcome[string]{Payload: "ok"}, nil
				}

				d := newDispatcher(resilience.WithMaxAttempts(2))
				start := time.Now()
				payload, err := d.Execute(ctx, searchOp)

				Expect(err).NotTo(HaveOccurred())
				Expect(payload).To(Equal("ok"))
				Expect(time.Since(start)).To(BeNumerically(">=", 120*time.Millisecond))
			})

			It("records the reset carried by a rate-limit rejection", func() {
				resetAt := time.Now().Add(200 * time.Millisecond)
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					if transport.calls.Load() == 1 {
						return nil, &resilience.RateLimitError{
							Bucket:     op.Bucket,
							ResetAt:    resetAt,
							RetryAfter: 150 * time.Millisecond,
						}
					}
					return &resilience.Outcome[string]{Payload: "ok"}, nil
				}

				d := newDispatcher(resilience.WithMaxAttempts(2))
				start := time.Now()
				payload, err := d.Execute(ctx, searchOp)

				Expect(err).NotTo(HaveOccurred())
				Expect(payload).To(Equal("ok"))
				// Second attempt waits at least the retry-after hint.
				Expect(time.Since(start)).To(BeNumerically(">=", 150*time.Millisecond))
			})
		})

		Context("cancellation", func() {
			It("fails immediately when ctx is already cancelled", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					return &resilience.Outcome[string]{Payload: "ok"}, nil
				}
				cancel()

				d := newDispatcher()
				_, err := d.Execute(ctx, searchOp)

				var tf *resilience.TerminalFailure
				Expect(errors.As(err, &tf)).To(BeTrue())
				Expect(tf.Kind).To(Equal(resilience.FailureCancelled))
				Expect(int(transport.calls.Load())).To(Equal(0))
			})

			It("stops retrying when cancelled during a backoff wait", func() {
				transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
					// The hint pins the next delay well past the cancel.
					return &resilience.Outcome[string]{RetryAfter: 500 * time.Millisecond},
						resilience.NewStatusCodeError(503, errors.New("over capacity"))
				}

				d := newDispatcher(resilience.WithMaxAttempts(5))
				go func() {
					time.Sleep(50 * time.Millisecond)
					cancel()
				}()

				_, err := d.Execute(ctx, searchOp)

				var tf *resilience.TerminalFailure
				Expect(errors.As(err, &tf)).To(BeTrue())
				Expect(tf.Kind).To(Equal(resilience.FailureCancelled))
				Expect(int(transport.calls.Load())).To(Equal(1))
			})
		})
	})

	Describe("Stats", func() {
		It("counts attempts, retries, successes, and failures", func() {
			transport.sendFunc = func(ctx context.Context, op resilience.Operation[string]) (*resilience.Outcome[string], error) {
				if transport.calls.Load() == 1 {
					return nil, resilience.NewStatusCodeError(503, errors.New("blip"))
				}
				return &resilience.Outcome[string]{Payload: "ok"}, nil
			}

			d := newDispatcher(resilience.WithMaxAttempts(3))
			_, err := d.Execute(ctx, searchOp)
			Expect(err).NotTo(HaveOccurred())

			stats := d.Stats()
			Expect(stats.TotalAttempts).To(Equal(int64(2)))
			Expect(stats.TotalRetries).To(Equal(int64(1)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
			Expect(stats.TotalFailures).To(BeZero())
		})
	})
})
