// Package verification defines the evidence-review boundary. The model behind
// it is opaque; the caller only sees an approval verdict with a confidence
// score. The gateway is untrusted for idempotency: the state machine ensures
// a verdict is applied at most once.
package verification

import (
	"context"
	"errors"
)

// ErrUnavailable signals the verifier could not produce a verdict.
var ErrUnavailable = errors.New("verification: gateway unavailable")

// Verdict is the opaque review result for a submitted photo.
type Verdict struct {
	Approved   bool
	Confidence float64
	Flags      []string
}

// Submission carries the evidence reference plus the sale context the
// reviewer scores against.
type Submission struct {
	ProtectionID  string
	TransactionID string
	PhotoRef      string
}

// Gateway reviews handover evidence. Implementations may block on network
// I/O; callers bound each call with a context deadline.
type Gateway interface {
	Verify(ctx context.Context, sub Submission) (Verdict, error)
}
