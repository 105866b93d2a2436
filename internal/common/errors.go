package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports malformed, user-correctable input.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with optional field details.
func NewValidationError(message string, fields map[string]string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// PreconditionError reports a state machine guard violation: the caller
// attempted an operation out of order.
type PreconditionError struct {
	Operation string
	Current   string
	Expected  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s requires status %s, invoice is %s", e.Operation, e.Expected, e.Current)
}

// ConflictError reports a duplicate or concurrent dispatch detected by the
// check-and-set guard.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// BalanceError reports a violated accounting invariant. It is always
// surfaced, never silently corrected.
type BalanceError struct {
	Message     string
	TotalDebit  float64
	TotalCredit float64
}

func (e *BalanceError) Error() string {
	if e.TotalDebit != 0 || e.TotalCredit != 0 {
		return fmt.Sprintf("%s (debit=%.2f credit=%.2f)", e.Message, e.TotalDebit, e.TotalCredit)
	}
	return e.Message
}

// DecryptionError reports a failed authenticated decryption. No partial
// plaintext is ever returned alongside it.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

// TransientError wraps a failed collaborator call (OCR, classification).
// The retry policy operates on this type; once attempts are exhausted the
// error is recorded on the invoice itself.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable by the retry policy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPStatus maps a domain error to the status code the HTTP adapter
// should answer with.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		pe *PreconditionError
		ce *ConflictError
		be *BalanceError
		de *DecryptionError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &pe), errors.As(err, &be):
		return http.StatusUnprocessableEntity
	case errors.As(err, &de):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
