// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
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
	ErrInvalidEntity = errors.New("invalid entity")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrInProgress   = errors.New("operation already in progress")
	ErrThrottled    = errors.New("operation throttled")
	ErrExpired      = errors.New("expired")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "session", "portal", "refresh"
	Op      string // Operation that failed, e.g., "Login", "Fetch"
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

// Session domain errors
var (
	ErrAuthenticationFailed = NewDomainError("session", "Login", ErrUnauthorized, "authentication rejected by the portal")
	ErrSessionExpired       = NewDomainError("session", "Call", ErrExpired, "session token expired")
	ErrMultiSchoolAmbiguous = NewDomainError("session", "Login", ErrInvalidState, "account spans multiple schools and none could be resolved")
	ErrNoSchoolMembership   = NewDomainError("session", "Resolve", ErrNotFound, "no school membership for account")
	ErrNoStudents           = NewDomainError("session", "Resolve", ErrNotFound, "no students associated with account")
)

// Portal API errors
var (
	ErrPortalUnreachable  = NewDomainError("portal", "Request", ErrServiceUnavailable, "portal is unreachable")
	ErrPortalRateLimited  = NewDomainError("portal", "Request", ErrRateLimited, "portal rate limit exceeded")
	ErrPortalTimeout      = NewDomainError("portal", "Request", ErrTimeout, "portal request timeout")
	ErrMalformedResponse  = NewDomainError("portal", "Parse", ErrInvalidFormat, "malformed response from portal")
	ErrBundleVersionStale = NewDomainError("portal", "Handshake", ErrExpired, "cached bundle version rejected by portal")
	ErrBundleNotFound     = NewDomainError("portal", "Scrape", ErrNotFound, "bundle version not found in portal page")
)

// Normalization errors
var (
	ErrUnrecognizedGrade  = NewDomainError("grades", "Parse", ErrInvalidFormat, "unrecognized grade format")
	ErrGradeOutOfRange    = NewDomainError("grades", "Parse", ErrValueOutOfRange, "grade outside the 1.0-6.0 range")
	ErrUnknownLessonKind  = NewDomainError("schedule", "Map", ErrInvalidFormat, "unknown lesson type")
	ErrMissingLessonDate  = NewDomainError("schedule", "Map", ErrEmptyValue, "lesson record has no date")
	ErrMissingSubject     = NewDomainError("schedule", "Map", ErrEmptyValue, "lesson record has no subject")
	ErrHomeworkIncomplete = NewDomainError("homework", "Map", ErrEmptyValue, "homework record missing due date or subject")
)

// Refresh coordination errors
var (
	ErrCooldownActive    = NewDomainError("refresh", "Trigger", ErrThrottled, "manual refresh is cooling down")
	ErrRefreshInProgress = NewDomainError("refresh", "Trigger", ErrInProgress, "refresh already in flight")
	ErrAccountNotFound   = NewDomainError("refresh", "Find", ErrNotFound, "account not registered")
	ErrStudentNotFound   = NewDomainError("snapshot", "Find", ErrNotFound, "student not found")
	ErrSnapshotNotReady  = NewDomainError("snapshot", "Read", ErrNotFound, "no snapshot published yet")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthentication checks if the error means credentials are bad and retrying
// without new credentials is pointless.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsSessionExpired checks if the error is a recoverable token expiry.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
// Authentication failures and malformed payloads are excluded: retrying them
// repeats the same outcome.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRejectedTrigger checks if a manual refresh was rejected without side effects.
func IsRejectedTrigger(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrInProgress)
}
