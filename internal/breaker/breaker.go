// Package breaker implements the three-state circuit breaker (C2):
// Closed/Open/HalfOpen, gating the upstream fetcher and the cron
// scheduler's pre-enqueue check. Adapted from the teacher's
// scheduler.CircuitBreaker, which gates on queue depth and worker
// saturation; this one gates purely on consecutive failure count per
// §4.1, and half-open admits exactly one probe per Open->HalfOpen
// transition instead of a fixed test window.
package breaker

import (
	"sync"
	"time"

	"github.com/aqiwatch/pipeline/internal/aqi"
	"github.com/aqiwatch/pipeline/internal/clock"
)

// Breaker is a single shared instance per upstream endpoint (per the design
// notes' resolution of the "shared breaker" open question).
type Breaker struct {
	mu sync.Mutex

	clock clock.Clock

	state        aqi.CircuitState
	failureCount int
	openedAt     time.Time

	threshold    int
	resetTimeout time.Duration
}

// New constructs a Breaker in the Closed state.
func New(c clock.Clock, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		clock:        c,
		state:        aqi.CircuitClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow reports whether a call should be admitted. It returns false when
// the breaker is Open and the reset timeout has not yet elapsed.
// Otherwise it returns true; if the breaker was Open and the timeout has
// elapsed, this call performs the Open->HalfOpen transition and admits
// exactly one probe (concurrent callers arriving while already HalfOpen
// are still admitted — they exercise the same single-shot transition,
// they just don't re-trigger it).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == aqi.CircuitOpen {
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = aqi.CircuitHalfOpen
		return true
	}
	return true
}

// OnFailure increments the failure count and opens the breaker once the
// threshold is reached, from either Closed or HalfOpen.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.state != aqi.CircuitOpen && b.failureCount >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = aqi.CircuitOpen
	b.openedAt = b.clock.Now()
}

// OnSuccess closes the breaker from HalfOpen, or decays the failure count
// by one while Closed.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case aqi.CircuitHalfOpen:
		b.state = aqi.CircuitClosed
		b.failureCount = 0
	case aqi.CircuitClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// State returns the current breaker state (thread-safe snapshot read).
func (b *Breaker) State() aqi.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the observable CircuitBreakerState, used by metrics and
// health reporting.
func (b *Breaker) Snapshot() aqi.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := aqi.CircuitBreakerState{
		FailureCount: b.failureCount,
		State:        b.state,
		Threshold:    b.threshold,
		ResetTimeout: b.resetTimeout,
	}
	if b.state == aqi.CircuitOpen {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
