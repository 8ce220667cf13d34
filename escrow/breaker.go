package escrow

import (
	"sync"
	"time"

	"buyshield/clock"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is an explicit closed/open/half-open circuit policy. After
// FailureThreshold consecutive failures the circuit opens and calls fail fast
// with ErrUnavailable until Cooldown elapses; the first call after cooldown
// probes half-open, and its outcome either closes or re-opens the circuit.
type Breaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time

	failureThreshold int
	cooldown         time.Duration
	clk              clock.Clock
}

// NewBreaker builds a closed breaker. A failureThreshold of zero disables it.
func NewBreaker(failureThreshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		clk:              clk,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cooldown has elapsed, then admits a single half-open probe.
func (b *Breaker) Allow() bool {
	if b == nil || b.failureThreshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		return true
	case stateHalfOpen:
		// One probe at a time; concurrent callers wait for the verdict.
		return false
	}
	return true
}

// Record feeds a call outcome back into the policy. Only transport-level
// failures count against the threshold; business rejections (ErrDeclined,
// ErrConflict) prove the rail is reachable and reset the streak.
func (b *Breaker) Record(err error) {
	if b == nil || b.failureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !countsAsFailure(err) {
		b.state = stateClosed
		b.consecutiveFails = 0
		return
	}

	b.consecutiveFails++
	if b.state == stateHalfOpen || b.consecutiveFails >= b.failureThreshold {
		b.state = stateOpen
		b.openedAt = b.clk.Now()
	}
}
