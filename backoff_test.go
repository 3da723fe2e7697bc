package resilience_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

var _ = Describe("Backoff", func() {
	newEngine := func(opts ...resilience.BackoffOption) *resilience.Backoff {
		opts = append([]resilience.BackoffOption{resilience.WithJitterSeed(42)}, opts...)
		return resilience.NewBackoff(opts...)
	}

	Describe("Next", func() {
		Context("give-up rules", func() {
			It("gives up once the attempt cap is reached", func() {
				b := newEngine(resilience.WithBackoffAttempts(3))

				_, ok := b.Next(1, resilience.FailureServer, 0)
				Expect(ok).To(BeTrue())
				_, ok = b.Next(2, resilience.FailureServer, 0)
				Expect(ok).To(BeTrue())
				_, ok = b.Next(3, resilience.FailureServer, 0)
				Expect(ok).To(BeFalse())
			})

			It("gives up immediately on non-retryable kinds", func() {
				b := newEngine(resilience.WithBackoffAttempts(10))

				for _, kind := range []resilience.FailureKind{
					resilience.FailureAuth,
					resilience.FailureClient,
					resilience.FailureCancelled,
				} {
					delay, ok := b.Next(1, kind, 0)
					Expect(ok).To(BeFalse(), "kind %s should not retry", kind)
					Expect(delay).To(BeZero())
				}
			})
		})

		Context("delay computation", func() {
			It("never exceeds the configured maximum delay", func() {
				b := newEngine(
					resilience.WithBackoffAttempts(20),
					resilience.WithBackoffDelays(time.Second, 5*time.Second),
				)

				for attempt := 1; attempt < 20; attempt++ {
					delay, ok := b.Next(attempt, resilience.FailureServer, 0)
					Expect(ok).To(BeTrue())
					Expect(delay).To(BeNumerically("<=", 5*time.Second))
					Expect(delay).To(BeNumerically(">=", 0))
				}
			})

			It("bounds jitter by the exponential envelope for the attempt", func() {
				b := newEngine(
					resilience.WithBackoffAttempts(10),
					resilience.WithBackoffDelays(100*time.Millisecond, time.Minute),
				)

				// Attempt n draws from [0, base * 2^(n-1)].
				for attempt := 1; attempt <= 5; attempt++ {
					envelope := 100 * time.Millisecond << (attempt - 1)
					for i := 0; i < 50; i++ {
						delay, ok := b.Next(attempt, resilience.FailureNetwork, 0)
						Expect(ok).To(BeTrue())
						Expect(delay).To(BeNumerically("<=", envelope))
					}
				}
			})

			It("produces the same sequence for the same seed", func() {
				opts := []resilience.BackoffOption{
					resilience.WithJitterSeed(7),
					resilience.WithBackoffAttempts(10),
				}
				a := resilience.NewBackoff(opts...)
				b := resilience.NewBackoff(opts...)

				for attempt := 1; attempt < 10; attempt++ {
					da, _ := a.Next(attempt, resilience.FailureServer, 0)
					db, _ := b.Next(attempt, resilience.FailureServer, 0)
					Expect(da).To(Equal(db))
				}
			})
		})

		Context("retry-after hints", func() {
			It("uses the hint when it exceeds the computed delay", func() {
				b := newEngine(
					resilience.WithBackoffAttempts(3),
					resilience.WithBackoffDelays(time.Millisecond, 10*time.Millisecond),
				)

				delay, ok := b.Next(1, resilience.FailureRateLimited, 2*time.Second)
				Expect(ok).To(BeTrue())
				Expect(delay).To(Equal(2 * time.Second))
			})

			It("keeps the computed delay when the hint is smaller", func() {
				b := newEngine(
					resilience.WithBackoffAttempts(3),
					resilience.WithBackoffDelays(time.Second, 30*time.Second),
				)

				// Jitter can land anywhere in [0, base], so only the lower
				// bound from the hint is guaranteed.
				delay, ok := b.Next(1, resilience.FailureRateLimited, time.Nanosecond)
				Expect(ok).To(BeTrue())
				Expect(delay).To(BeNumerically(">=", time.Nanosecond))
			})

			It("does not extend the attempt cap", func() {
				b := newEngine(resilience.WithBackoffAttempts(2))

				_, ok := b.Next(2, resilience.FailureRateLimited, time.Minute)
				Expect(ok).To(BeFalse())
			})
		})
	})

	Describe("presets", func() {
		It("NoRetry gives up after the first attempt", func() {
			b := resilience.NoRetry()
			Expect(b.MaxAttempts()).To(Equal(1))

			_, ok := b.Next(1, resilience.FailureServer, 0)
			Expect(ok).To(BeFalse())
		})

		It("Aggressive allows five attempts", func() {
			b := resilience.Aggressive()
			Expect(b.MaxAttempts()).To(Equal(5))

			_, ok := b.Next(4, resilience.FailureNetwork, 0)
			Expect(ok).To(BeTrue())
			_, ok = b.Next(5, resilience.FailureNetwork, 0)
			Expect(ok).To(BeFalse())
		})
	})
})
