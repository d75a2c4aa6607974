// Package apperr defines the error taxonomy shared by the ledger, the
// scheduler and the HTTP layer, and the stable codes exposed to clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"pagemeter/internal/model"
)

// Code is the stable, client-visible error code.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeLimitExceeded    Code = "LIMIT_EXCEEDED"
	CodeTransient        Code = "PROCESSING_TRANSIENT"
	CodePermanent        Code = "PROCESSING_PERMANENT"
	CodeConflict         Code = "CONCURRENCY_CONFLICT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeNoCompletedFiles Code = "NO_COMPLETED_FILES"
	CodeInternal         Code = "INTERNAL"
)

// ErrNoCompletedFiles is returned by the merge builder when every file of a
// job failed or was skipped.
var ErrNoCompletedFiles = errors.New("no completed files to merge")

// ErrJobNotFinished is returned for operations that need a terminal job.
var ErrJobNotFinished = errors.New("job has not finished")

// ValidationError is malformed input, rejected before any reservation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validation is shorthand for a *ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// QuotaExceededError means the account cannot afford the requested pages.
// Usage is the account state the decision was made against.
type QuotaExceededError struct {
	AccountID string
	Requested int
	Usage     model.UsageSnapshot
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("account %s cannot afford %d pages (%d available)", e.AccountID, e.Requested, e.Usage.TotalPagesAvailable)
}

// ProcessingError is a failure reported by the processing gateway.
type ProcessingError struct {
	Transient bool
	Err       error
}

func (e *ProcessingError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s processing error: %v", kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func Transient(err error) error { return &ProcessingError{Transient: true, Err: err} }
func Permanent(err error) error { return &ProcessingError{Transient: false, Err: err} }

// IsTransient reports whether err is a retryable processing failure.
func IsTransient(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.Transient
}

// ConcurrencyConflictError is surfaced when the ledger's conditional update
// kept colliding after all internal retries.
type ConcurrencyConflictError struct {
	AccountID string
	Attempts  int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("account %s: concurrent update conflict after %d attempts", e.AccountID, e.Attempts)
}

// NotFoundError is an operation on a nonexistent resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// CodeOf maps err onto its client-visible code.
func CodeOf(err error) Code {
	var (
		ve  *ValidationError
		qe  *QuotaExceededError
		pe  *ProcessingError
		ce  *ConcurrencyConflictError
		nf  *NotFoundError
		ite *model.InvalidTransitionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &qe):
		return CodeLimitExceeded
	case errors.As(err, &pe):
		if pe.Transient {
			return CodeTransient
		}
		return CodePermanent
	case errors.As(err, &ce):
		return CodeConflict
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &ite), errors.Is(err, ErrJobNotFinished):
		return CodeInvalidState
	case errors.Is(err, ErrNoCompletedFiles):
		return CodeNoCompletedFiles
	}
	return CodeInternal
}

// HTTPStatus maps a code onto the response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeLimitExceeded:
		return http.StatusPaymentRequired
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidState, CodeNoCompletedFiles:
		return http.StatusConflict
	case CodeTransient:
		return http.StatusServiceUnavailable
	case CodePermanent:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
