package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// License-specific errors (sentinel errors for errors.Is checks)
var (
	ErrEmailMissing     = errors.New("email missing from issuance trigger")
	ErrInvalidCount     = errors.New("invalid license count")
	ErrLicenseNotFound  = errors.New("license not found")
	ErrAlreadyActivated = errors.New("license already activated")
	ErrDuplicateOrder   = errors.New("order already has a license")
	ErrInvalidSignature = errors.New("invalid event signature")
	ErrMalformedEvent   = errors.New("malformed event payload")
)

// StoreError wraps a persistence failure with enough context for
// manual reconciliation (which key, which operation, the cause).
type StoreError struct {
	Op    string
	Key   string
	Cause error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s failed for key %s: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Cause)
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a new store error
func NewStoreError(op, key string, cause error) *StoreError {
	return &StoreError{Op: op, Key: key, Cause: cause}
}

// LicenseNotFoundProblem creates a 404 problem for an unknown license key
func LicenseNotFoundProblem(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		"/errors/license-not-found",
		"License Not Found",
		"No license exists for the supplied key",
		instance,
	)
}

// AlreadyActivatedProblem creates a 409 problem for re-activation of an
// active key. Re-activation is a conflict, not a no-op.
func AlreadyActivatedProblem(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		"/errors/license-already-activated",
		"License Already Activated",
		"This license has already been activated",
		instance,
	)
}

// InvalidSignatureProblem creates a 400 problem for a webhook delivery
// whose signature did not verify. The processor must not redeliver.
func InvalidSignatureProblem(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-signature",
		"Invalid Signature",
		"Event signature verification failed",
		instance,
	)
}

// StoreFailureProblem creates a 500 problem for a persistence failure.
// 5xx tells the payment processor to retry delivery.
func StoreFailureProblem(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/store-failure",
		"Store Failure",
		"The license could not be persisted",
		instance,
	)
}
