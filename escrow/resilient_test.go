package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedGateway struct {
	holdErrs    []error
	captureErrs []error
	refundErrs  []error
	holdCalls   int
	capCalls    int
	refCalls    int
}

func (g *scriptedGateway) Hold(_ context.Context, _ int64, _ string) (string, error) {
	g.holdCalls++
	if len(g.holdErrs) > 0 {
		err := g.holdErrs[0]
		g.holdErrs = g.holdErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "esc-1", nil
}

func (g *scriptedGateway) Capture(_ context.Context, ref, _ string) (Receipt, error) {
	g.capCalls++
	if len(g.captureErrs) > 0 {
		err := g.captureErrs[0]
		g.captureErrs = g.captureErrs[1:]
		if err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{Reference: ref}, nil
}

func (g *scriptedGateway) Refund(_ context.Context, ref, _ string) (Receipt, error) {
	g.refCalls++
	if len(g.refundErrs) > 0 {
		err := g.refundErrs[0]
		g.refundErrs = g.refundErrs[1:]
		if err != nil {
			return Receipt{}, err
		}
	}
	return Receipt{Reference: ref}, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestResilient_RetriesTransientThenSucceeds(t *testing.T) {
	inner := &scriptedGateway{holdErrs: []error{errTransient, errTransient, nil}}
	r := NewResilient(inner, nil, fastPolicy(), nil)

	ref, err := r.Hold(context.Background(), 100, "k1")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if ref != "esc-1" {
		t.Fatalf("unexpected reference %q", ref)
	}
	if inner.holdCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.holdCalls)
	}
}

func TestResilient_BudgetExhaustedMapsToUnavailable(t *testing.T) {
	inner := &scriptedGateway{captureErrs: []error{errTransient, errTransient, errTransient}}
	r := NewResilient(inner, nil, fastPolicy(), nil)

	_, err := r.Capture(context.Background(), "esc-1", "k1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if inner.capCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.capCalls)
	}
}

func TestResilient_DeclineNotRetried(t *testing.T) {
	inner := &scriptedGateway{holdErrs: []error{ErrDeclined}}
	r := NewResilient(inner, nil, fastPolicy(), nil)

	_, err := r.Hold(context.Background(), 100, "k1")
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if inner.holdCalls != 1 {
		t.Fatalf("decline must not be retried, got %d attempts", inner.holdCalls)
	}
}

func TestResilient_ConflictNotRetried(t *testing.T) {
	inner := &scriptedGateway{refundErrs: []error{ErrConflict}}
	r := NewResilient(inner, nil, fastPolicy(), nil)

	_, err := r.Refund(context.Background(), "esc-1", "k1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if inner.refCalls != 1 {
		t.Fatalf("conflict must not be retried, got %d attempts", inner.refCalls)
	}
}

func TestResilient_OpenCircuitFailsFast(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	breaker := NewBreaker(1, time.Minute, clk)
	breaker.Record(errTransient)

	inner := &scriptedGateway{}
	r := NewResilient(inner, breaker, fastPolicy(), nil)

	_, err := r.Hold(context.Background(), 100, "k1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open circuit, got %v", err)
	}
	if inner.holdCalls != 0 {
		t.Fatalf("open circuit must not reach the rail, got %d calls", inner.holdCalls)
	}
}

func TestResilient_CancelledContextStopsRetrying(t *testing.T) {
	inner := &scriptedGateway{holdErrs: []error{errTransient, errTransient, errTransient}}
	r := NewResilient(inner, nil, RetryPolicy{MaxAttempts: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: 100 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Hold(ctx, 100, "k1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
