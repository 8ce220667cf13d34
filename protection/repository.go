package protection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"buyshield/clock"
)

const protectionColumns = `
id, transaction_id, buyer_id, seller_id, amount, status,
verification_attempts, escrow_reference, verification_photo_ref,
cancel_reason, needs_review, review_reason,
created_at, updated_at, expires_at, completed_at, closed_at, version
`

// PgRepository is the Postgres-backed Repository. Every state transition
// funnels through ConditionalUpdate, whose version guard is the only
// serialization point per protection.
type PgRepository struct {
	pool *pgxpool.Pool
	clk  clock.Clock
}

func NewPgRepository(pool *pgxpool.Pool, clk clock.Clock) *PgRepository {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &PgRepository{pool: pool, clk: clk}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtection(row rowScanner) (Protection, error) {
	var p Protection
	err := row.Scan(
		&p.ID,
		&p.TransactionID,
		&p.BuyerID,
		&p.SellerID,
		&p.Amount,
		&p.Status,
		&p.VerificationAttempts,
		&p.EscrowReference,
		&p.VerificationPhotoRef,
		&p.CancelReason,
		&p.NeedsReview,
		&p.ReviewReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.ExpiresAt,
		&p.CompletedAt,
		&p.ClosedAt,
		&p.Version,
	)
	return p, err
}

func (r *PgRepository) Get(ctx context.Context, id string) (Protection, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+protectionColumns+` FROM protections WHERE id = $1`, id)
	p, err := scanProtection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Protection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Protection{}, fmt.Errorf("protection: get: %w", err)
	}
	return p, nil
}

func (r *PgRepository) GetByTransaction(ctx context.Context, transactionID string) (Protection, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+protectionColumns+`
FROM protections
WHERE transaction_id = $1
  AND status NOT IN ('completed','cancelled','expired')
LIMIT 1
`, transactionID)
	p, err := scanProtection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Protection{}, fmt.Errorf("%w: transaction %s", ErrNotFound, transactionID)
		}
		return Protection{}, fmt.Errorf("protection: get by transaction: %w", err)
	}
	return p, nil
}

// Create inserts the record. The partial unique index on transaction_id over
// non-terminal rows is the authoritative one-live-protection guard; a unique
// violation maps to ErrDuplicate.
func (r *PgRepository) Create(ctx context.Context, p Protection) (Protection, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO protections (
    id, transaction_id, buyer_id, seller_id, amount, status,
    verification_attempts, escrow_reference, verification_photo_ref,
    created_at, updated_at, expires_at, version
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
RETURNING `+protectionColumns,
		p.ID, p.TransactionID, p.BuyerID, p.SellerID, p.Amount, p.Status,
		p.VerificationAttempts, p.EscrowReference, p.VerificationPhotoRef,
		p.CreatedAt, p.UpdatedAt, p.ExpiresAt,
	)
	created, err := scanProtection(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Protection{}, fmt.Errorf("%w: transaction %s", ErrDuplicate, p.TransactionID)
		}
		return Protection{}, fmt.Errorf("protection: insert: %w", err)
	}
	return created, nil
}

// ConditionalUpdate re-reads the row under lock, checks the caller still
// holds the current version, applies mutate, and writes back with the
// version bumped. A stale expectedVersion loses with ErrStateConflict.
func (r *PgRepository) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Protection) error) (Protection, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Protection{}, fmt.Errorf("protection: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+protectionColumns+` FROM protections WHERE id = $1 FOR UPDATE`, id)
	p, err := scanProtection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Protection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Protection{}, fmt.Errorf("protection: lock row: %w", err)
	}
	if p.Version != expectedVersion {
		return Protection{}, fmt.Errorf("%w: version %d, expected %d", ErrStateConflict, p.Version, expectedVersion)
	}

	if err := mutate(&p); err != nil {
		return Protection{}, err
	}

	p.Version++
	p.UpdatedAt = r.clk.Now()

	tag, err := tx.Exec(ctx, `
UPDATE protections
SET status = $1,
    verification_attempts = $2,
    verification_photo_ref = $3,
    cancel_reason = $4,
    needs_review = $5,
    review_reason = $6,
    updated_at = $7,
    completed_at = $8,
    closed_at = $9,
    version = $10
WHERE id = $11 AND version = $12
`,
		p.Status, p.VerificationAttempts, p.VerificationPhotoRef,
		p.CancelReason, p.NeedsReview, p.ReviewReason,
		p.UpdatedAt, p.CompletedAt, p.ClosedAt,
		p.Version, id, expectedVersion,
	)
	if err != nil {
		return Protection{}, fmt.Errorf("protection: conditional update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Protection{}, fmt.Errorf("%w: concurrent update on %s", ErrStateConflict, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return Protection{}, fmt.Errorf("protection: commit update: %w", err)
	}
	return p, nil
}

// MarkForReview surfaces a protection whose rail operation exhausted its
// retry budget. Flagged rows are an operational queue, never silently
// dropped state.
func (r *PgRepository) MarkForReview(ctx context.Context, id, reason string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE protections
SET needs_review = TRUE,
    review_reason = $1,
    updated_at = $2,
    version = version + 1
WHERE id = $3
`, reason, r.clk.Now(), id)
	if err != nil {
		return fmt.Errorf("protection: mark for review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ClaimExpired atomically claims a bounded batch of overdue non-terminal
// protections for the sweeper. The claim timestamp survives a sweeper crash:
// rows stay claimed until claimGrace elapses, then become claimable again,
// so restarts cannot run duplicate refunds inside the grace window.
func (r *PgRepository) ClaimExpired(ctx context.Context, now time.Time, claimGrace time.Duration, limit int) ([]Protection, error) {
	rows, err := r.pool.Query(ctx, `
UPDATE protections
SET sweep_claimed_at = $1,
    updated_at = $1,
    version = version + 1
WHERE id IN (
    SELECT id FROM protections
    WHERE expires_at <= $1
      AND status IN ('pending','active','verification_submitted')
      AND (sweep_claimed_at IS NULL OR sweep_claimed_at <= $2)
    ORDER BY expires_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING `+protectionColumns,
		now, now.Add(-claimGrace), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("protection: claim expired: %w", err)
	}
	defer rows.Close()

	var claimed []Protection
	for rows.Next() {
		p, err := scanProtection(rows)
		if err != nil {
			return nil, fmt.Errorf("protection: scan claimed: %w", err)
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("protection: claim rows: %w", err)
	}
	return claimed, nil
}
