package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a failed rail call is reattempted.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the rail contract: three attempts with
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Resilient decorates a Gateway with a circuit breaker and bounded
// exponential retry. Idempotency keys make the retries safe: a duplicate
// delivery of the same operation is absorbed by the rail.
type Resilient struct {
	inner   Gateway
	breaker *Breaker
	policy  RetryPolicy
	log     *slog.Logger
}

// NewResilient wraps inner. A nil breaker disables circuit breaking and a
// nil logger discards logs.
func NewResilient(inner Gateway, breaker *Breaker, policy RetryPolicy, log *slog.Logger) *Resilient {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	return &Resilient{
		inner:   inner,
		breaker: breaker,
		policy:  policy,
		log:     log,
	}
}

func (r *Resilient) Hold(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	var ref string
	err := r.do(ctx, "hold", idempotencyKey, func() error {
		var err error
		ref, err = r.inner.Hold(ctx, amount, idempotencyKey)
		return err
	})
	return ref, err
}

func (r *Resilient) Capture(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error) {
	var receipt Receipt
	err := r.do(ctx, "capture", idempotencyKey, func() error {
		var err error
		receipt, err = r.inner.Capture(ctx, escrowRef, idempotencyKey)
		return err
	})
	return receipt, err
}

func (r *Resilient) Refund(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error) {
	var receipt Receipt
	err := r.do(ctx, "refund", idempotencyKey, func() error {
		var err error
		receipt, err = r.inner.Refund(ctx, escrowRef, idempotencyKey)
		return err
	})
	return receipt, err
}

func (r *Resilient) do(ctx context.Context, op, idempotencyKey string, call func() error) error {
	attempt := 0
	wrapped := func() error {
		attempt++
		if !r.breaker.Allow() {
			return backoff.Permanent(fmt.Errorf("escrow: %s circuit open: %w", op, ErrUnavailable))
		}
		err := call()
		r.breaker.Record(err)
		if err == nil {
			return nil
		}
		if !countsAsFailure(err) {
			return backoff.Permanent(err)
		}
		r.log.Warn("escrow call failed, will retry",
			"op", op,
			"idempotency_key", idempotencyKey,
			"attempt", attempt,
			"error", err,
		)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxAttempts-1), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("escrow: %s aborted: %w", op, err)
	}
	if countsAsFailure(err) {
		return fmt.Errorf("escrow: %s retry budget exhausted: %w", op, ErrUnavailable)
	}
	return err
}

// countsAsFailure reports whether err should trip the breaker and be retried.
// Declines and reference conflicts are definitive answers from the rail.
func countsAsFailure(err error) bool {
	if errors.Is(err, ErrDeclined) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
