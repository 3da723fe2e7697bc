package resilience_test

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/apteryx-labs/go-social-resilience"
)

var _ = Describe("BudgetTracker", func() {
	var tracker *resilience.BudgetTracker

	BeforeEach(func() {
		tracker = resilience.NewBudgetTracker()
	})

	Describe("Reserve", func() {
		Context("with no recorded state", func() {
			It("allows the first call optimistically", func() {
				res := tracker.Reserve("tweets.search.recent")
				Expect(res.Allowed).To(BeTrue())
			})

			It("allows operations with no bucket", func() {
				res := tracker.Reserve("")
				Expect(res.Allowed).To(BeTrue())
			})
		})

		Context("with observed budget", func() {
			It("decrements the local shadow on each reservation", func() {
				resetAt := time.Now().Add(time.Minute)
				tracker.Observe("users.lookup", resilience.BudgetSnapshot{
					Limit: 10, Remaining: 3, ResetAt: resetAt,
				})

				for i := 0; i < 3; i++ {
					Expect(tracker.Reserve("users.lookup").Allowed).To(BeTrue())
				}

				res := tracker.Reserve("users.lookup")
				Expect(res.Allowed).To(BeFalse())
				Expect(res.WaitUntil).To(BeTemporally("~", resetAt, time.Millisecond))
			})

			It("blocks a second reservation when only one slot was reported", func() {
				resetAt := time.Now().Add(time.Minute)
				tracker.Observe("tweets.create", resilience.BudgetSnapshot{
					Limit: 1, Remaining: 1, ResetAt: resetAt,
				})

				Expect(tracker.Reserve("tweets.create").Allowed).To(BeTrue())

				res := tracker.Reserve("tweets.create")
				Expect(res.Allowed).To(BeFalse())
				Expect(res.WaitUntil).To(BeTemporally("~", resetAt, time.Millisecond))
			})

			It("never allows more than the reported budget before a reset", func() {
				tracker.Observe("tweets.search.recent", resilience.BudgetSnapshot{
					Limit: 50, Remaining: 7, ResetAt: time.Now().Add(time.Minute),
				})

				allowed := 0
				for i := 0; i < 50; i++ {
					if tracker.Reserve("tweets.search.recent").Allowed {
						allowed++
					}
				}
				Expect(allowed).To(Equal(7))
			})
		})

		Context("after the window resets", func() {
			It("assumes a fresh budget and spends one slot", func() {
				tracker.Observe("users.lookup", resilience.BudgetSnapshot{
					Limit: 3, Remaining: 0, ResetAt: time.Now().Add(-time.Second),
				})

				// Reset has passed: the first reserve opens an assumed
				// window of limit-1 remaining.
				Expect(tracker.Reserve("users.lookup").Allowed).To(BeTrue())
				Expect(tracker.Reserve("users.lookup").Allowed).To(BeTrue())
				Expect(tracker.Reserve("users.lookup").Allowed).To(BeTrue())
				Expect(tracker.Reserve("users.lookup").Allowed).To(BeFalse())
			})
		})
	})

	Describe("Observe", func() {
		It("ignores reports with an earlier reset than the stored one", func() {
			fresh := time.Now().Add(time.Minute)
			stale := time.Now().Add(30 * time.Second)

			tracker.Observe("lists.members", resilience.BudgetSnapshot{
				Limit: 10, Remaining: 2, ResetAt: fresh,
			})
			tracker.Observe("lists.members", resilience.BudgetSnapshot{
				Limit: 10, Remaining: 9, ResetAt: stale,
			})

			snap := tracker.Snapshot()["lists.members"]
			Expect(snap.Remaining).To(Equal(2))
			Expect(snap.ResetAt).To(BeTemporally("~", fresh, time.Millisecond))
		})

		It("takes the latest report for the same or later reset", func() {
			resetAt := time.Now().Add(time.Minute)

			tracker.Observe("lists.members", resilience.BudgetSnapshot{
				Limit: 10, Remaining: 9, ResetAt: resetAt,
			})
			tracker.Observe("lists.members", resilience.BudgetSnapshot{
				Limit: 10, Remaining: 4, ResetAt: resetAt,
			})

			Expect(tracker.Snapshot()["lists.members"].Remaining).To(Equal(4))
		})
	})

	Describe("concurrent reservations", func() {
		It("keeps read-and-decrement atomic per bucket", func() {
			tracker.Observe("tweets.search.recent", resilience.BudgetSnapshot{
				Limit: 100, Remaining: 25, ResetAt: time.Now().Add(time.Minute),
			})

			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if tracker.Reserve("tweets.search.recent").Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			Expect(int(allowed.Load())).To(Equal(25))
		})
	})
})
