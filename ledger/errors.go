/*
errors.go - Centralized error kinds for the credit ledger

PURPOSE:
  All error kinds in one place. Every package in the repository wraps or
  returns these so callers can branch with errors.Is / errors.As.

ERROR KINDS:
  IdentityNotResolved   presented id could not be turned into an account
  InsufficientBalance   deduction larger than balance (carries shortfall)
  DuplicateOperation    idempotency key already committed (a success!)
  ConfigError           unknown generation type (see catalog.ConfigError)
  StorageError          transient, safe to retry thanks to idempotency keys
  IntegrityViolation    only ever reported by reconciliation

SEE ALSO:
  - catalog/catalog.go: ConfigError
  - identity/resolver.go: MappingConflictError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrIdentityNotResolved = errors.New("identity not resolved")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateOperation is expected behavior for redelivered events and
	// must be treated as success by callers.
	ErrDuplicateOperation = errors.New("duplicate operation")

	ErrUnknownGenerationType = errors.New("unknown generation type")

	// ErrStorage marks transient persistence failures.
	ErrStorage = errors.New("storage error")

	// ErrIntegrityViolation is never returned synchronously; reconciliation
	// reports use it as the finding kind.
	ErrIntegrityViolation = errors.New("integrity violation")

	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned for deductions on deactivated accounts.
	ErrAccountInactive = errors.New("account deactivated")

	// ErrInvalidMutation covers non-positive amounts, unknown or misdirected
	// transaction types and empty references.
	ErrInvalidMutation = errors.New("invalid mutation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports the exact shortfall so the caller can
// prompt a purchase or upgrade.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Points
	Requested Points
	Shortfall Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d, shortfall %d",
		e.AccountID, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// NewInsufficientBalance builds the error from balance and cost.
func NewInsufficientBalance(account AccountID, available, requested Points) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		AccountID: account,
		Available: available,
		Requested: requested,
		Shortfall: requested - available,
	}
}

// DuplicateOperationError is returned with a populated Result when the
// idempotency key already has a committed transaction.
type DuplicateOperationError struct {
	Key                   IdempotencyKey
	ExistingTransactionID TransactionID
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("duplicate operation %s (tx: %s)", e.Key, e.ExistingTransactionID)
}

func (e *DuplicateOperationError) Unwrap() error {
	return ErrDuplicateOperation
}

// StorageError wraps a driver failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// WrapStorage returns nil for nil errors and leaves already classified
// ledger errors untouched.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateOperation) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrInvalidMutation) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMutation, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsIdempotentSuccess reports whether err only says "already applied".
func IsIdempotentSuccess(err error) bool {
	return errors.Is(err, ErrDuplicateOperation)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUnknownGenerationType) ||
		errors.Is(err, ErrIdentityNotResolved) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrInvalidMutation)
}
