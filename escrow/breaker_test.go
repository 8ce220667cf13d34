package escrow

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errTransient = errors.New("connection reset")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(3, 30*time.Second, clk)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("call %d: expected closed circuit", i)
		}
		b.Record(errTransient)
	}

	if b.Allow() {
		t.Fatalf("expected open circuit after 3 consecutive failures")
	}
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(2, 30*time.Second, clk)

	b.Record(errTransient)
	b.Record(errTransient)
	if b.Allow() {
		t.Fatalf("expected open circuit")
	}

	clk.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected half-open probe after cooldown")
	}
	// Only one probe is admitted while the verdict is pending.
	if b.Allow() {
		t.Fatalf("expected concurrent callers rejected during half-open probe")
	}

	// Probe success closes the circuit.
	b.Record(nil)
	if !b.Allow() {
		t.Fatalf("expected closed circuit after successful probe")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(2, 30*time.Second, clk)

	b.Record(errTransient)
	b.Record(errTransient)
	clk.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected half-open probe")
	}
	b.Record(errTransient)

	if b.Allow() {
		t.Fatalf("expected circuit re-opened after failed probe")
	}
}

func TestBreaker_BusinessRejectionsDoNotTrip(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(2, 30*time.Second, clk)

	// The rail answered; it just said no. That proves reachability.
	b.Record(ErrDeclined)
	b.Record(ErrConflict)
	b.Record(ErrDeclined)

	if !b.Allow() {
		t.Fatalf("expected circuit to stay closed on business rejections")
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(2, 30*time.Second, clk)

	b.Record(errTransient)
	b.Record(nil)
	b.Record(errTransient)

	if !b.Allow() {
		t.Fatalf("expected closed circuit: streak was broken by a success")
	}
}

func TestBreaker_NilAndDisabled(t *testing.T) {
	var b *Breaker
	if !b.Allow() {
		t.Fatalf("nil breaker should allow")
	}
	b.Record(errTransient)

	disabled := NewBreaker(0, time.Second, nil)
	for i := 0; i < 10; i++ {
		disabled.Record(errTransient)
	}
	if !disabled.Allow() {
		t.Fatalf("threshold 0 should disable the breaker")
	}
}
