package protection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"buyshield/clock"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the version guard, the live-transaction uniqueness, and the
// sweep claim against actual storage.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'protections')`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("protections table missing; apply migrations first")
	}

	repo := NewPgRepository(pool, clock.NewSystem())
	txn := fmt.Sprintf("itest-txn-%d", time.Now().UnixNano())
	now := time.Now().UTC()

	seed := Protection{
		ID:              uuid.NewString(),
		TransactionID:   txn,
		BuyerID:         "buyer-1",
		SellerID:        "seller-1",
		Amount:          15000,
		Status:          StatusActive,
		EscrowReference: "esc-itest",
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(-time.Hour), // already overdue, claimable below
	}

	created, err := repo.Create(ctx, seed)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM protections WHERE transaction_id = $1`, txn)
	})

	if created.Version != 1 {
		t.Fatalf("expected version 1 on create, got %d", created.Version)
	}

	// Live-transaction uniqueness.
	dup := seed
	dup.ID = uuid.NewString()
	if _, err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Version-guarded update.
	updated, err := repo.ConditionalUpdate(ctx, created.ID, created.Version, func(p *Protection) error {
		return p.transitionTo(StatusVerificationSubmitted)
	})
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if updated.Version != created.Version+1 {
		t.Fatalf("expected version bump to %d, got %d", created.Version+1, updated.Version)
	}

	// Stale version loses.
	if _, err := repo.ConditionalUpdate(ctx, created.ID, created.Version, func(p *Protection) error {
		return p.transitionTo(StatusActive)
	}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on stale version, got %v", err)
	}

	// Overdue row is claimable exactly once inside the grace window.
	claimed, err := repo.ClaimExpired(ctx, time.Now().UTC(), 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("claim expired: %v", err)
	}
	var found bool
	for _, p := range claimed {
		if p.ID == created.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected overdue protection to be claimed")
	}

	reclaimed, err := repo.ClaimExpired(ctx, time.Now().UTC(), 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	for _, p := range reclaimed {
		if p.ID == created.ID {
			t.Fatalf("protection re-claimed inside the grace window")
		}
	}

	// Review flag.
	if err := repo.MarkForReview(ctx, created.ID, "refund failed: rail down"); err != nil {
		t.Fatalf("mark for review: %v", err)
	}
	flagged, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get flagged: %v", err)
	}
	if !flagged.NeedsReview || flagged.ReviewReason == nil {
		t.Fatalf("expected review flag set, got %+v", flagged)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
