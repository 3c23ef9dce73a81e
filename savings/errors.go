/*
errors.go - Error taxonomy for the savings ledger

PURPOSE:
  All error kinds in one place. Callers test the KIND with errors.Is
  against the sentinels; structured errors carry the detail and unwrap
  to their sentinel.

ERROR KINDS:
  ErrNotFound                  account/deposit/allocation/invoice missing
  ErrInvalidState              illegal transition for the current status
  ErrInsufficientBalance       allocation exceeds available funds
  ErrInsufficientLockedBalance posting guard failed (locking bug if seen)
  ErrValidation                malformed input
  ErrTransient                 lock timeout, lost connection, busy database
  ErrBalanceInconsistency      history drove a bucket negative (strict mode)

PROPAGATION:
  Every business error is returned from inside the store transaction, so
  the store rolls back before the error reaches the caller. Stores map
  infrastructure failures to ErrTransient; callers retry the WHOLE
  operation, never a part of it.

SEE ALSO:
  - ledger.go: Returns these errors
  - api/handlers.go: Maps kinds to HTTP statuses
*/
package savings

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound                  = errors.New("not found")
	ErrInvalidState              = errors.New("invalid state transition")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrInsufficientLockedBalance = errors.New("insufficient locked balance")
	ErrValidation                = errors.New("validation failed")

	// ErrTransient wraps infrastructure failures. The operation left no
	// partial state and may be retried from the start.
	ErrTransient = errors.New("transient failure")

	// ErrDuplicate is returned when a unique key (account number, one
	// account per pilgrim) is already taken.
	ErrDuplicate = errors.New("duplicate")

	// ErrBalanceInconsistency is only returned by Summary.Check.
	ErrBalanceInconsistency = errors.New("balance inconsistency")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "account", "deposit", "allocation", "invoice"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports a rejected transition.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Action, e.Kind, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Shortfall() Money {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on account %s: available %s, requested %s, shortfall %s",
		e.AccountID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InsufficientLockedBalanceError means a draft allocation was not covered by
// the locked bucket at posting time. Under correct locking this never happens.
type InsufficientLockedBalanceError struct {
	AllocationID AllocationID
	Locked       Money
	Amount       Money
}

func (e *InsufficientLockedBalanceError) Error() string {
	return fmt.Sprintf("allocation %s: locked balance %s does not cover amount %s",
		e.AllocationID, e.Locked, e.Amount)
}

func (e *InsufficientLockedBalanceError) Unwrap() error { return ErrInsufficientLockedBalance }

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransientError wraps a store failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicate)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
