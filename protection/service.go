package protection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buyshield/clock"
	"buyshield/escrow"
	"buyshield/verification"
)

// Repository is the data access required by the state machine. The
// conditional update is the single choke point every transition passes
// through, which keeps the lifecycle race-safe without a global lock.
type Repository interface {
	Get(ctx context.Context, id string) (Protection, error)
	// GetByTransaction returns the live (non-terminal) protection covering
	// the transaction, or ErrNotFound.
	GetByTransaction(ctx context.Context, transactionID string) (Protection, error)
	Create(ctx context.Context, p Protection) (Protection, error)
	// ConditionalUpdate loads the row, verifies it still carries
	// expectedVersion, applies mutate, and persists with the version bumped.
	// A version mismatch fails with ErrStateConflict.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Protection) error) (Protection, error)
	// MarkForReview flags the protection for manual operational review.
	MarkForReview(ctx context.Context, id, reason string) error
}

const (
	defaultConfidenceThreshold = 0.85
	defaultVerifyTimeout       = 5 * time.Second
	defaultEscrowTimeout       = 15 * time.Second
)

// Service owns the protection lifecycle. All money movement flows through
// here: hold on create, capture on approval, refund on cancel or expiry.
// Idempotency keys are derived deterministically (`txn:<txn>:hold`,
// `<id>:capture`, `<id>:refund`) so retries and racing actors cannot double
// any rail operation.
type Service struct {
	repo     Repository
	rail     escrow.Gateway
	verifier verification.Gateway

	clk                 clock.Clock
	idGenerator         func() string
	confidenceThreshold float64
	verifyTimeout       time.Duration
	escrowTimeout       time.Duration
}

func NewService(repo Repository, rail escrow.Gateway, verifier verification.Gateway, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Service{
		repo:                repo,
		rail:                rail,
		verifier:            verifier,
		clk:                 clk,
		idGenerator:         func() string { return uuid.NewString() },
		confidenceThreshold: defaultConfidenceThreshold,
		verifyTimeout:       defaultVerifyTimeout,
		escrowTimeout:       defaultEscrowTimeout,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(clk clock.Clock) *Service {
	s.clk = clk
	return s
}

func (s *Service) WithConfidenceThreshold(t float64) *Service {
	s.confidenceThreshold = t
	return s
}

func (s *Service) WithVerifyTimeout(d time.Duration) *Service {
	s.verifyTimeout = d
	return s
}

type CreateParams struct {
	BuyerID       string
	SellerID      string
	TransactionID string
	Amount        int64
}

// Create places an escrow hold and persists an active protection with a
// fixed 72h deadline. The hold carries an idempotency key derived from the
// transaction, so a retried Create after a transient failure is safe: no row
// ever persists past pending without a hold in hand.
func (s *Service) Create(ctx context.Context, params CreateParams) (Protection, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Protection{}, fmt.Errorf("%w: buyer and seller required", ErrInvalidArgument)
	}
	if params.BuyerID == params.SellerID {
		return Protection{}, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	}
	if params.TransactionID == "" {
		return Protection{}, fmt.Errorf("%w: transaction id required", ErrInvalidArgument)
	}
	if params.Amount <= 0 {
		return Protection{}, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	// Cheap pre-check; the partial unique index in the repository is the
	// authoritative guard under concurrency.
	switch _, err := s.repo.GetByTransaction(ctx, params.TransactionID); {
	case err == nil:
		return Protection{}, fmt.Errorf("%w: transaction %s", ErrDuplicate, params.TransactionID)
	case errors.Is(err, ErrNotFound):
	default:
		return Protection{}, err
	}

	holdCtx, cancel := context.WithTimeout(ctx, s.escrowTimeout)
	defer cancel()
	escrowRef, err := s.rail.Hold(holdCtx, params.Amount, fmt.Sprintf("txn:%s:hold", params.TransactionID))
	if err != nil {
		return Protection{}, fmt.Errorf("protection: place hold: %w", err)
	}

	now := s.clk.Now()
	p := Protection{
		ID:              s.idGenerator(),
		TransactionID:   params.TransactionID,
		BuyerID:         params.BuyerID,
		SellerID:        params.SellerID,
		Amount:          params.Amount,
		Status:          StatusPending,
		EscrowReference: escrowRef,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(Window),
	}
	if err := p.transitionTo(StatusActive); err != nil {
		return Protection{}, err
	}

	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return Protection{}, err
	}
	return created, nil
}

// SubmitVerification records seller evidence, consumes one of the three
// attempts, and immediately asks the verifier for a verdict. If the verifier
// does not answer within the bounded timeout the protection stays in
// verification_submitted so a later caller or the sweeper resolves it; funds
// are never left ambiguous.
func (s *Service) SubmitVerification(ctx context.Context, id, photoRef string) (Protection, error) {
	if photoRef == "" {
		return Protection{}, fmt.Errorf("%w: photo reference required", ErrInvalidArgument)
	}

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Protection{}, err
	}
	if p.Status != StatusActive {
		return Protection{}, fmt.Errorf("%w: submit from %s", ErrInvalidState, p.Status)
	}
	now := s.clk.Now()
	if !now.Before(p.ExpiresAt) {
		return Protection{}, fmt.Errorf("%w: window closed at %s", ErrExpired, p.ExpiresAt.Format(time.RFC3339))
	}
	if p.VerificationAttempts >= MaxVerificationAttempts {
		return Protection{}, ErrMaxAttempts
	}

	updated, err := s.repo.ConditionalUpdate(ctx, p.ID, p.Version, func(cur *Protection) error {
		if err := cur.transitionTo(StatusVerificationSubmitted); err != nil {
			return err
		}
		cur.VerificationAttempts++
		cur.VerificationPhotoRef = photoRef
		return nil
	})
	if err != nil {
		return Protection{}, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()
	verdict, err := s.verifier.Verify(verifyCtx, verification.Submission{
		ProtectionID:  updated.ID,
		TransactionID: updated.TransactionID,
		PhotoRef:      photoRef,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return updated, ErrVerificationTimeout
		}
		return updated, fmt.Errorf("protection: verify evidence: %w", err)
	}

	return s.RecordVerificationResult(ctx, updated.ID, verdict)
}

// RecordVerificationResult applies a verdict. It only acts while the
// protection is still in verification_submitted; a verdict arriving after
// expiry or a later submission has moved the record on is deliberately
// discarded with ErrStateConflict rather than applied.
func (s *Service) RecordVerificationResult(ctx context.Context, id string, verdict verification.Verdict) (Protection, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Protection{}, err
	}
	if p.Status != StatusVerificationSubmitted {
		return Protection{}, fmt.Errorf("%w: verdict for %s protection discarded", ErrStateConflict, p.Status)
	}

	if verdict.Approved && verdict.Confidence >= s.confidenceThreshold {
		return s.approveAndCapture(ctx, p)
	}

	if p.VerificationAttempts < MaxVerificationAttempts {
		// Seller may resubmit with better evidence.
		return s.repo.ConditionalUpdate(ctx, p.ID, p.Version, func(cur *Protection) error {
			return cur.transitionTo(StatusActive)
		})
	}

	return s.closeWithRefund(ctx, p, StatusCancelled, strPtr("verification attempts exhausted"))
}

func (s *Service) approveAndCapture(ctx context.Context, p Protection) (Protection, error) {
	// Winning the CAS to verified claims the verdict; from here only capture
	// (or manual review) resolves the protection. Cancel and expire refuse
	// verified records, so capture and refund can never both land.
	verified, err := s.repo.ConditionalUpdate(ctx, p.ID, p.Version, func(cur *Protection) error {
		return cur.transitionTo(StatusVerified)
	})
	if err != nil {
		return Protection{}, err
	}

	captureCtx, cancel := context.WithTimeout(ctx, s.escrowTimeout)
	defer cancel()
	if _, err := s.rail.Capture(captureCtx, verified.EscrowReference, verified.ID+":capture"); err != nil {
		if reviewErr := s.repo.MarkForReview(ctx, verified.ID, fmt.Sprintf("capture failed: %v", err)); reviewErr != nil {
			return verified, fmt.Errorf("protection: capture failed (%v); flag for review: %w", err, reviewErr)
		}
		return verified, fmt.Errorf("protection: capture: %w", err)
	}

	now := s.clk.Now()
	return s.repo.ConditionalUpdate(ctx, verified.ID, verified.Version, func(cur *Protection) error {
		if err := cur.transitionTo(StatusCompleted); err != nil {
			return err
		}
		cur.CompletedAt = &now
		cur.ClosedAt = &now
		cur.NeedsReview = false
		cur.ReviewReason = nil
		return nil
	})
}

// Cancel refunds the hold and closes the protection. Permitted for either
// party before a terminal state; refused once verified because a capture is
// already in flight.
func (s *Service) Cancel(ctx context.Context, id, reason string) (Protection, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Protection{}, err
	}
	switch p.Status {
	case StatusPending, StatusActive, StatusVerificationSubmitted:
	default:
		return Protection{}, fmt.Errorf("%w: cancel from %s", ErrInvalidState, p.Status)
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	return s.closeWithRefund(ctx, p, StatusCancelled, reasonPtr)
}

// Expire is invoked by the sweeper once the deadline has passed. Same effect
// as Cancel, recorded as expired for audit distinction; the shared
// `<id>:refund` key family means a racing manual cancel cannot double-refund.
func (s *Service) Expire(ctx context.Context, id string) (Protection, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Protection{}, err
	}
	switch p.Status {
	case StatusPending, StatusActive, StatusVerificationSubmitted:
	default:
		return Protection{}, fmt.Errorf("%w: expire from %s", ErrInvalidState, p.Status)
	}
	if s.clk.Now().Before(p.ExpiresAt) {
		return Protection{}, fmt.Errorf("%w: deadline not reached", ErrInvalidState)
	}

	return s.closeWithRefund(ctx, p, StatusExpired, strPtr("verification window elapsed"))
}

// Get returns the serializable projection for the API layer.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return p.View(), nil
}

// closeWithRefund releases the hold, then moves the record to the terminal
// status via CAS. Refund runs first: if the version check is then lost to a
// racing closer, both sides used the `<id>:refund` key so the rail saw one
// refund, and the loser surfaces ErrStateConflict. A refund the rail cannot
// complete flags the row for review instead of abandoning it.
func (s *Service) closeWithRefund(ctx context.Context, p Protection, terminal Status, reason *string) (Protection, error) {
	if p.EscrowReference != "" {
		refundCtx, cancel := context.WithTimeout(ctx, s.escrowTimeout)
		defer cancel()
		if _, err := s.rail.Refund(refundCtx, p.EscrowReference, p.ID+":refund"); err != nil {
			if reviewErr := s.repo.MarkForReview(ctx, p.ID, fmt.Sprintf("refund failed: %v", err)); reviewErr != nil {
				return Protection{}, fmt.Errorf("protection: refund failed (%v); flag for review: %w", err, reviewErr)
			}
			return Protection{}, fmt.Errorf("protection: refund: %w", err)
		}
	}

	now := s.clk.Now()
	return s.repo.ConditionalUpdate(ctx, p.ID, p.Version, func(cur *Protection) error {
		if err := cur.transitionTo(terminal); err != nil {
			return err
		}
		cur.ClosedAt = &now
		if terminal == StatusCancelled && reason != nil {
			cur.CancelReason = reason
		}
		cur.NeedsReview = false
		cur.ReviewReason = nil
		return nil
	})
}

func strPtr(s string) *string { return &s }
