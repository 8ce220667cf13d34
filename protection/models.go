package protection

import (
	"fmt"
	"time"
)

// Status enumerates the protection lifecycle states. Transitions are only
// valid along the paths in the transitions table below; transitionTo is the
// sole mutator, so an invalid status can never reach storage.
type Status string

const (
	StatusPending               Status = "pending"
	StatusActive                Status = "active"
	StatusVerificationSubmitted Status = "verification_submitted"
	StatusVerified              Status = "verified"
	StatusCompleted             Status = "completed"
	StatusCancelled             Status = "cancelled"
	StatusExpired               Status = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

const (
	// Window is the fixed verification window measured from creation.
	// It is computed once into ExpiresAt and never extended.
	Window = 72 * time.Hour

	// MaxVerificationAttempts caps seller evidence submissions. Every
	// submission, approved or rejected, consumes one attempt.
	MaxVerificationAttempts = 3
)

var transitions = map[Status][]Status{
	StatusPending:               {StatusActive, StatusCancelled},
	StatusActive:                {StatusVerificationSubmitted, StatusCancelled, StatusExpired},
	StatusVerificationSubmitted: {StatusVerified, StatusActive, StatusCancelled, StatusExpired},
	StatusVerified:              {StatusCompleted},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Protection is the sole entity of the lifecycle core. Amount is in minor
// currency units. Version backs the optimistic concurrency check: every
// successful mutation increments it.
type Protection struct {
	ID                   string
	TransactionID        string
	BuyerID              string
	SellerID             string
	Amount               int64
	Status               Status
	VerificationAttempts int
	EscrowReference      string
	VerificationPhotoRef string
	CancelReason         *string
	NeedsReview          bool
	ReviewReason         *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ExpiresAt            time.Time
	CompletedAt          *time.Time
	ClosedAt             *time.Time
	Version              int64
}

func (p *Protection) transitionTo(next Status) error {
	if p.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidState, p.Status)
	}
	if !canTransition(p.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, p.Status, next)
	}
	p.Status = next
	return nil
}

// View is the read-only projection handed to the API layer.
type View struct {
	ID                   string     `json:"id"`
	TransactionID        string     `json:"transactionId"`
	BuyerID              string     `json:"buyerId"`
	SellerID             string     `json:"sellerId"`
	Amount               int64      `json:"amount"`
	Status               Status     `json:"status"`
	VerificationStatus   string     `json:"verificationStatus"`
	VerificationAttempts int        `json:"verificationAttempts"`
	EscrowReference      string     `json:"escrowReference,omitempty"`
	CancelReason         *string    `json:"cancelReason,omitempty"`
	ExpiresAt            time.Time  `json:"expiresAt"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// View builds the serializable projection of p.
func (p Protection) View() View {
	return View{
		ID:                   p.ID,
		TransactionID:        p.TransactionID,
		BuyerID:              p.BuyerID,
		SellerID:             p.SellerID,
		Amount:               p.Amount,
		Status:               p.Status,
		VerificationStatus:   p.verificationStatus(),
		VerificationAttempts: p.VerificationAttempts,
		EscrowReference:      p.EscrowReference,
		CancelReason:         p.CancelReason,
		ExpiresAt:            p.ExpiresAt,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
		CompletedAt:          p.CompletedAt,
	}
}

func (p Protection) verificationStatus() string {
	switch p.Status {
	case StatusVerificationSubmitted:
		return "under_review"
	case StatusVerified, StatusCompleted:
		return "approved"
	default:
		if p.VerificationAttempts > 0 {
			return "rejected"
		}
		return "not_submitted"
	}
}
