/*
errors.go - Typed error kinds for engine operations

PURPOSE:
  Every engine operation returns either a result or one of a small set of
  error kinds. Callers branch on the kind with errors.Is, never on message
  text. Storage failures that do not map to a kind are returned wrapped and
  treated as internal errors by the API layer.

ERROR KINDS:
  NotFound             Referenced entity absent
  InvalidState         Operation not legal from the current status
  Forbidden            Actor lacks authority for the transition
  Validation           Malformed input, caught before any mutation
  ConcurrencyConflict  Lost update detected; the caller should retry
  ReconciliationDrift  Sync detected and corrected drift (reported, not fatal)

PROPAGATION:
  A failed operation leaves persisted state untouched: the failure is
  returned from inside the WithTx callback and the transaction rolls back.
  Only ConcurrencyConflict is retryable (see IsRetryable).

SEE ALSO:
  - api/handlers.go: Maps kinds to HTTP status codes
  - api/retry.go: Retries ConcurrencyConflict with backoff
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrForbidden           = errors.New("forbidden")
	ErrValidation          = errors.New("validation failure")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrReconciliationDrift = errors.New("reconciliation drift")
)

// ErrorKind names the kind of an engine error at the boundary.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindInvalidState        ErrorKind = "InvalidState"
	KindForbidden           ErrorKind = "Forbidden"
	KindValidation          ErrorKind = "ValidationFailure"
	KindConcurrencyConflict ErrorKind = "ConcurrencyConflict"
	KindReconciliationDrift ErrorKind = "ReconciliationDrift"
	KindInternal            ErrorKind = "Internal"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError is returned when an operation is not legal from the
// contravention's (or approval request's) current status.
type TransitionError struct {
	Entity string
	ID     string
	Op     string
	From   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s is in state %s", e.Op, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// ForbiddenError is returned when the actor may not perform Op.
type ForbiddenError struct {
	ActorID UserID
	Op      string
	Reason  string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: actor %s not allowed: %s", e.Op, e.ActorID, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// FieldError is one invalid input field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects invalid input fields.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failure: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// ConflictError is returned by compare-and-swap writes whose expected version
// no longer matches.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// DriftError lists the employees whose totals were corrected by a sync run.
type DriftError struct {
	Employees []UserID
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("reconciliation corrected drift for %d employee(s)", len(e.Employees))
}

func (e *DriftError) Unwrap() error { return ErrReconciliationDrift }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies err. nil maps to the empty kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrReconciliationDrift):
		return KindReconciliationDrift
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the caller's input or
// authority rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
