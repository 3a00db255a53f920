// Package retrypolicy computes the bounded exponential backoff shared by
// the Trigger/Order Engine (spec.md §4.6.1) and the Stopping Executor
// (§4.7.1), and tracks each retry's {attempts, nextAttemptAt} state.
// Grounded on the teacher's internal/trading/order.OrderExecutor retry
// loop (baseDelay * 2^attempt clamped to maxDelay, with jitter), adapted
// from a blocking sleep-retry loop to a tick-driven "is it time yet"
// gate: the scheduler never sleeps, it re-checks Ready() on the next
// tick. Per spec.md §5 "process-local... correctness is preserved by
// store state, not by in-memory retry counters", Tracker state lives in
// memory only and is safely rebuilt from nothing after a restart.
package retrypolicy

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds one submission's retry behaviour.
type Policy struct {
	MaxAttempts int
	BaseMs      int64
	MaxMs       int64
}

// DefaultOrderPolicy matches spec.md §4.6.1's "maximum total submission
// attempts is a configured constant (default 5)".
var DefaultOrderPolicy = Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}

// DefaultStoppingPolicy is the §4.7.1 "same backoff shape... same
// maxRetries" policy for cancel/force-close retries.
var DefaultStoppingPolicy = Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}

// State is one subject's retry bookkeeping.
type State struct {
	Attempts      int
	NextAttemptAt time.Time
}

// Tracker holds per-subject State. Subjects are arbitrary strings: an
// Order id for §4.6.1, a Bot id for §4.7.1.
type Tracker struct {
	mu    sync.Mutex
	state map[string]State
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]State)}
}

// Get returns subject's current retry state, if any.
func (t *Tracker) Get(subject string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[subject]
	return s, ok
}

// Set stores subject's retry state, overwriting any prior state.
func (t *Tracker) Set(subject string, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[subject] = s
}

// Clear removes subject's retry state, e.g. on success or exhaustion.
func (t *Tracker) Clear(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, subject)
}

// Ready reports whether subject's backoff has elapsed as of now. A
// subject with no tracked state is always ready (first attempt).
func (t *Tracker) Ready(subject string, now time.Time) bool {
	s, ok := t.Get(subject)
	if !ok {
		return true
	}
	return !now.Before(s.NextAttemptAt)
}

// RecordFailure advances subject's attempt count and computes its next
// eligible attempt time, returning the updated state and whether the
// policy's MaxAttempts has now been exhausted.
func (t *Tracker) RecordFailure(subject string, p Policy, now time.Time, retryAfterMs int64) (State, bool) {
	prev, _ := t.Get(subject)
	attempts := prev.Attempts + 1
	if attempts >= p.MaxAttempts {
		t.Clear(subject)
		return State{Attempts: attempts}, true
	}
	backoff := NextBackoff(p, prev.Attempts, retryAfterMs)
	next := State{Attempts: attempts, NextAttemptAt: now.Add(backoff)}
	t.Set(subject, next)
	return next, false
}

// NextBackoff computes clamp(baseMs*2^attempts, baseMs, maxMs), raised to
// retryAfterMs when the adapter reported a larger hint, then jittered by
// ±20% (spec.md §4.6.1).
func NextBackoff(p Policy, attempts int, retryAfterMs int64) time.Duration {
	return nextBackoff(p, attempts, retryAfterMs, jitterRatio())
}

// nextBackoff is NextBackoff with an injectable jitter ratio, letting
// tests assert the unjittered base and the jittered bounds separately.
func nextBackoff(p Policy, attempts int, retryAfterMs int64, jitterRatio float64) time.Duration {
	ms := float64(p.BaseMs) * math.Pow(2, float64(attempts))
	if ms > float64(p.MaxMs) {
		ms = float64(p.MaxMs)
	}
	if ms < float64(p.BaseMs) {
		ms = float64(p.BaseMs)
	}
	if float64(retryAfterMs) > ms {
		ms = float64(retryAfterMs)
	}
	return time.Duration(ms * jitterRatio * float64(time.Millisecond))
}

// jitterRatio returns a multiplier in [0.8, 1.2] (±20% jitter).
func jitterRatio() float64 {
	return 1 + (rand.Float64()*0.4 - 0.2)
}
