package market

import "fmt"

// ValidationError rejects malformed or out-of-range input. Detected before
// any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown poll, order or user.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// StateError rejects an operation that is valid in form but not in the
// entity's current state: inactive/resolved poll, non-cancellable order,
// nothing eligible to claim.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return e.Reason
}

// AuthorizationError rejects an operation by a non-owner.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

// InsufficientBalanceError fails the buy-side affordability precondition.
type InsufficientBalanceError struct {
	Need int64
	Have int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need=%d, have=%d", e.Need, e.Have)
}

// PersistenceError surfaces a store failure as an internal error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
