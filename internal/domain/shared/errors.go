// Package shared contains common domain types, errors, and events that are
// used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyProcessed = errors.New("already processed")

	// Persistence errors
	ErrPersistence      = errors.New("persistence error")
	ErrSnapshotCorrupt  = errors.New("snapshot corrupt")
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// Sync / external service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
	ErrConflict           = errors.New("conflicting remote state")
	ErrAuthRequired       = errors.New("authentication required")
	ErrSyncPending        = errors.New("sync pending")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "sync", "persistence"
	Op      string // Operation that failed, e.g., "Dispatch", "PushLesson"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrCourseNotFound      = NewDomainError("progress", "Find", ErrNotFound, "course progress not found")
	ErrLessonNotFound      = NewDomainError("progress", "Find", ErrNotFound, "lesson progress not found")
	ErrCertificateExists   = NewDomainError("progress", "IssueCertificate", ErrAlreadyExists, "certificate already issued")
	ErrInvalidCourseID     = NewDomainError("progress", "Validate", ErrInvalidID, "invalid course ID")
	ErrInvalidLessonID     = NewDomainError("progress", "Validate", ErrInvalidID, "invalid lesson ID")
	ErrInvalidWatchPercent = NewDomainError("progress", "Validate", ErrValueOutOfRange, "watched percent out of range")
	ErrInvalidQuizScore    = NewDomainError("progress", "Validate", ErrValueOutOfRange, "invalid quiz score")
)

// Sync / remote service errors
var (
	ErrRemoteUnavailable     = NewDomainError("sync", "Request", ErrServiceUnavailable, "progress service is unavailable")
	ErrRemoteTimeout         = NewDomainError("sync", "Request", ErrTimeout, "progress service request timeout")
	ErrRemoteRateLimited     = NewDomainError("sync", "Request", ErrRateLimited, "progress service rate limit exceeded")
	ErrRemoteAuth            = NewDomainError("sync", "Request", ErrAuthRequired, "progress service rejected credentials")
	ErrRemoteConflict        = NewDomainError("sync", "Push", ErrConflict, "push rejected due to stale course structure")
	ErrPushRetriesExhausted  = NewDomainError("sync", "Push", ErrSyncPending, "push failed after all retries")
	ErrRemoteInvalidResponse = NewDomainError("sync", "Parse", ErrInvalidInput, "invalid response from progress service")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsAuth checks if the error requires re-authentication before further sync.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthRequired)
}

// IsConflict checks if the error is a remote conflict that a forced pull resolves.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsSyncPending checks if local state is ahead of the remote after exhausted retries.
func IsSyncPending(err error) bool {
	return errors.Is(err, ErrSyncPending)
}
