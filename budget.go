package resilience

import (
	"sync"
	"time"
)

// defaultBudgetWindow is the assumed window length when a bucket's window
// elapses before the server has confirmed the next one. Fifteen minutes is
// the platform's standard rate-limit window.
const defaultBudgetWindow = 15 * time.Minute

// BudgetTracker maintains a local shadow of the server-reported rate budget
// for each endpoint bucket a dispatcher has encountered. The server is the
// source of truth, but confirmation only arrives in the response to the very
// request being gated, so Reserve pessimistically pre-decrements the shadow
// to keep a burst of concurrent calls from overrunning the budget before any
// response lands.
//
// Each dispatcher owns its own tracker by default; sessions and dispatchers
// hitting the same credential should share one (see WithBudgetTracker), since
// the server's budget is per credential, not per client object.
type BudgetTracker struct {
	mu      sync.Mutex
	buckets map[string]*bucketState

	// now is swapped in tests.
	now func() time.Time
}

// bucketState is the shadow copy of one bucket's budget.
type bucketState struct {
	limit     int
	remaining int
	resetAt   time.Time
	// window is the observed (or assumed) window length, used to open a
	// fresh accounting window when resetAt passes before the server has
	// reported the new one.
	window time.Duration
}

// Reservation is the answer to "may I send now".
type Reservation struct {
	// Allowed is true when the send may proceed immediately.
	Allowed bool

	// WaitUntil is when the bucket refreshes, valid when Allowed is false.
	WaitUntil time.Time
}

// NewBudgetTracker creates an empty tracker.
func NewBudgetTracker() *BudgetTracker {
	return &BudgetTracker{
		buckets: make(map[string]*bucketState),
		now:     time.Now,
	}
}

// Observe records the latest server-reported budget for a bucket.
// Last observation wins, except that a report with an earlier reset time than
// the one currently stored is ignored: responses arrive unordered, and a
// stale window must not resurrect spent budget.
func (t *BudgetTracker) Observe(bucket string, snap BudgetSnapshot) {
	if bucket == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	window := defaultBudgetWindow
	if until := snap.ResetAt.Sub(t.now()); until > 0 {
		window = until
	}

	state, ok := t.buckets[bucket]
	if !ok {
		t.buckets[bucket] = &bucketState{
			limit:     snap.Limit,
			remaining: snap.Remaining,
			resetAt:   snap.ResetAt,
			window:    window,
		}
		return
	}

	if snap.ResetAt.Before(state.resetAt) {
		return
	}

	state.limit = snap.Limit
	state.remaining = snap.Remaining
	state.resetAt = snap.ResetAt
	state.window = window
}

// Reserve answers whether a send on the bucket may proceed now, atomically
// decrementing the local shadow when it may. The first call for a bucket with
// no recorded state is always allowed. When the budget is spent and the
// window has not reset, the caller must wait until WaitUntil and reserve
// again.
func (t *BudgetTracker) Reserve(bucket string) Reservation {
	if bucket == "" {
		return Reservation{Allowed: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.buckets[bucket]
	if !ok {
		// No observation yet: allow optimistically.
		return Reservation{Allowed: true}
	}

	now := t.now()

	if !now.Before(state.resetAt) {
		if state.limit <= 0 {
			// The record came from a rate-limit signal with no limit
			// field. Its window has passed; forget it and allow
			// optimistically until the next full observation.
			delete(t.buckets, bucket)
			return Reservation{Allowed: true}
		}
		// Window elapsed; assume a full budget until the server says
		// otherwise, spending one slot for this send. The assumed
		// window keeps a burst bounded until the next observation.
		window := state.window
		if window <= 0 {
			window = defaultBudgetWindow
		}
		state.resetAt = now.Add(window)
		state.remaining = state.limit - 1
		if state.remaining < 0 {
			state.remaining = 0
		}
		return Reservation{Allowed: true}
	}

	if state.remaining > 0 {
		state.remaining--
		return Reservation{Allowed: true}
	}

	return Reservation{WaitUntil: state.resetAt}
}

// Snapshot returns a copy of the tracked budget for every known bucket.
func (t *BudgetTracker) Snapshot() map[string]BudgetSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]BudgetSnapshot, len(t.buckets))
	for name, state := range t.buckets {
		out[name] = BudgetSnapshot{
			Limit:     state.limit,
			Remaining: state.remaining,
			ResetAt:   state.resetAt,
		}
	}
	return out
}
