/*
errors.go - Centralized error taxonomy for the ledger engine

PURPOSE:
  All error types in one place. Callers classify with errors.Is; the
  structured types carry the figures (available, requested, limit) the
  calling layer needs to render an actionable message.

ERROR CATEGORIES:
  1. Validation errors  - malformed input, never retried
  2. Business errors    - rule violations (funds, limit, period lock), never retried
  3. Transient errors   - storage/connectivity failures, retried with backoff
  4. Timeout            - deadline exceeded, treated as transient up to the bound

PROPAGATION POLICY:
  A balance-affecting failure is never swallowed: every failure either
  aborts the whole operation or is classified transient and retried.
  Storage internals never leak into user-visible messages.

SEE ALSO:
  - validator.go: produces InsufficientFundsError / CreditLimitError
  - service/retry.go: retries only IsTransient errors
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Fatal, surfaced verbatim.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds is returned when an expense exceeds the available
	// balance (plus overdraft allowance) on a non-credit account.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCreditLimitExceeded is returned when an expense exceeds the
	// remaining credit (limit minus debt minus pending exposure).
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")

	// ErrSameAccountTransfer is returned when a transfer names the same
	// account on both sides.
	ErrSameAccountTransfer = errors.New("source and destination accounts are the same")

	// ErrPeriodLocked is returned when the target date falls inside a closed
	// accounting period. Unlock the period to mutate it.
	ErrPeriodLocked = errors.New("accounting period is locked")

	// ErrRateLimited is returned when the per-actor mutation window is full.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientStorage marks storage failures worth retrying.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrTimeout is returned when a storage call exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound is returned when a referenced account or transaction
	// doesn't exist. Deletes treat it as success per the idempotent-delete
	// contract.
	ErrNotFound = errors.New("not found")

	// ErrOffline marks a mutation attempted while storage is unreachable;
	// the caller may enqueue it for replay.
	ErrOffline = errors.New("storage unreachable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry figures for user feedback
// =============================================================================

// InsufficientFundsError details a shortage on a non-credit account.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// CreditLimitError details a credit-limit violation, including the
// not-yet-settled exposure that contributed to it.
type CreditLimitError struct {
	AccountID AccountID
	Limit     Amount
	Used      Amount // debt + pending expense exposure
	Available Amount
	Requested Amount
}

func (e *CreditLimitError) Error() string {
	return fmt.Sprintf("credit limit exceeded: limit %s, used %s, available %s, requested %s",
		e.Limit, e.Used, e.Available, e.Requested)
}

func (e *CreditLimitError) Unwrap() error { return ErrCreditLimitExceeded }

// PeriodLockedError names the locked month so callers can offer unlocking.
type PeriodLockedError struct {
	Owner string
	Month string // YYYY-MM
}

func (e *PeriodLockedError) Error() string {
	return fmt.Sprintf("period %s is locked; unlock it before mutating", e.Month)
}

func (e *PeriodLockedError) Unwrap() error { return ErrPeriodLocked }

// RateLimitedError carries the retry-after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsTransient reports whether a retry might succeed. Only these errors
// feed the retry policy; business errors never do.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrOffline)
}

// IsBusiness reports whether the error is a rule violation caused by the
// request itself (fatal for this attempt, never retried).
func IsBusiness(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrCreditLimitExceeded) ||
		errors.Is(err, ErrSameAccountTransfer) ||
		errors.Is(err, ErrPeriodLocked) ||
		errors.Is(err, ErrRateLimited)
}
