package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffUnjitteredDoublesPerAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}
	assert.Equal(t, 1000*time.Millisecond, nextBackoff(p, 0, 0, 1))
	assert.Equal(t, 2000*time.Millisecond, nextBackoff(p, 1, 0, 1))
	assert.Equal(t, 4000*time.Millisecond, nextBackoff(p, 2, 0, 1))
}

func TestNextBackoffClampsToMax(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseMs: 1000, MaxMs: 5000}
	assert.Equal(t, 5000*time.Millisecond, nextBackoff(p, 10, 0, 1))
}

func TestNextBackoffRespectsRetryAfterHint(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}
	assert.Equal(t, 9000*time.Millisecond, nextBackoff(p, 0, 9000, 1))
}

func TestNextBackoffJitterStaysWithinTwentyPercent(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}
	for i := 0; i < 50; i++ {
		d := NextBackoff(p, 0, 0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestTrackerReadyWithNoStateIsAlwaysReady(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Ready("order-1", time.Now()))
}

func TestTrackerRecordFailureGatesUntilBackoffElapses(t *testing.T) {
	tr := NewTracker()
	p := Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}
	now := time.Now()

	state, exhausted := tr.RecordFailure("order-1", p, now, 0)
	assert.False(t, exhausted)
	assert.Equal(t, 1, state.Attempts)
	assert.False(t, tr.Ready("order-1", now))
	assert.True(t, tr.Ready("order-1", state.NextAttemptAt))
}

func TestTrackerRecordFailureExhaustsAtMaxAttempts(t *testing.T) {
	tr := NewTracker()
	p := Policy{MaxAttempts: 2, BaseMs: 1000, MaxMs: 30000}
	now := time.Now()

	_, exhausted := tr.RecordFailure("order-1", p, now, 0)
	assert.False(t, exhausted)
	_, exhausted = tr.RecordFailure("order-1", p, now, 0)
	assert.True(t, exhausted)

	_, ok := tr.Get("order-1")
	assert.False(t, ok, "exhausted subject must be cleared")
}

func TestTrackerClearRemovesState(t *testing.T) {
	tr := NewTracker()
	p := Policy{MaxAttempts: 5, BaseMs: 1000, MaxMs: 30000}
	tr.RecordFailure("order-1", p, time.Now(), 0)
	tr.Clear("order-1")
	_, ok := tr.Get("order-1")
	assert.False(t, ok)
}
