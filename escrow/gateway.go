// Package escrow defines the payment-rail boundary: holding buyer funds,
// capturing a hold to the seller, or refunding it back. Every call carries an
// idempotency key so retries and racing callers can never produce two holds,
// captures, or refunds for the same logical operation.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable signals a transient rail failure (or an open circuit).
	// Safe to retry within the bounded budget because of idempotency keys.
	ErrUnavailable = errors.New("escrow: gateway unavailable")
	// ErrDeclined signals a permanent rail rejection. Never retried.
	ErrDeclined = errors.New("escrow: operation declined")
	// ErrConflict signals the rail rejected a duplicate or conflicting
	// operation on the same reference. Escalated for manual review, never
	// resolved by guessing.
	ErrConflict = errors.New("escrow: conflicting operation on reference")
)

// Receipt acknowledges a completed capture or refund.
type Receipt struct {
	Reference string
	Amount    int64
	IssuedAt  time.Time
}

// Gateway is the rail contract. Implementations may block on network I/O;
// callers bound each call with a context deadline.
type Gateway interface {
	// Hold reserves amount minor units and returns an opaque escrow reference.
	Hold(ctx context.Context, amount int64, idempotencyKey string) (string, error)
	// Capture converts a hold into a transfer to the seller.
	Capture(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error)
	// Refund releases a hold back to the buyer.
	Refund(ctx context.Context, escrowRef, idempotencyKey string) (Receipt, error)
}
