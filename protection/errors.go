package protection

import "errors"

var (
	// ErrInvalidArgument signals bad caller input. Never retried.
	ErrInvalidArgument = errors.New("protection: invalid argument")
	// ErrNotFound is returned when no protection row exists for the identifier.
	ErrNotFound = errors.New("protection: not found")
	// ErrDuplicate signals a non-terminal protection already covers the transaction.
	ErrDuplicate = errors.New("protection: duplicate protection for transaction")
	// ErrInvalidState signals the requested operation is not permitted from the current status.
	ErrInvalidState = errors.New("protection: invalid state for operation")
	// ErrStateConflict signals a lost optimistic-concurrency race. Callers
	// should refetch and re-evaluate, never retry blindly.
	ErrStateConflict = errors.New("protection: state conflict")
	// ErrExpired signals the verification window has closed, whether or not
	// the sweeper has reached the record yet.
	ErrExpired = errors.New("protection: expired")
	// ErrMaxAttempts signals the verification attempt cap was hit.
	ErrMaxAttempts = errors.New("protection: max verification attempts exceeded")
	// ErrVerificationTimeout signals the verifier did not answer in time. The
	// record stays in verification_submitted for a later resolution.
	ErrVerificationTimeout = errors.New("protection: verification timed out")
)
