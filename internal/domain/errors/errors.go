// Package errors classifies domain failures. Services return *DomainError
// values wrapping one of the sentinel categories below, so that the API, the
// execution pipeline and the execution history can branch on errors.Is
// instead of matching strings.
package errors

import (
	"errors"
	"fmt"
)

// Categories. Every DomainError wraps exactly one of these.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// DomainError carries a stable code and client-safe details alongside its category
type DomainError struct {
	Err       error
	Code      string
	Message   string
	Details   map[string]interface{}
	Retryable bool
}

func newError(category error, code, message string) *DomainError {
	return &DomainError{Err: category, Code: code, Message: message}
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// WithDetails merges details into the error
func (e *DomainError) WithDetails(details map[string]interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// IsRetryable satisfies the retry package's classifier
func (e *DomainError) IsRetryable() bool {
	return e.Retryable
}

// NotFoundError reports a missing order, credential or identity.
// resource is upper-case, e.g. "ORDER" yields ORDER_NOT_FOUND.
func NotFoundError(resource string) *DomainError {
	return newError(ErrNotFound, resource+"_NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func AlreadyExistsError(resource string) *DomainError {
	return newError(ErrAlreadyExists, resource+"_ALREADY_EXISTS", fmt.Sprintf("%s already exists", resource))
}

// ValidationError reports a rejected request field
func ValidationError(field, message string) *DomainError {
	return newError(ErrInvalidInput, "VALIDATION_ERROR", message).
		WithDetails(map[string]interface{}{"field": field})
}

func UnauthorizedError(message string) *DomainError {
	return newError(ErrUnauthorized, "UNAUTHORIZED", message)
}

// ConflictError reports a lost compare-and-swap; callers retry with fresh state
func ConflictError(resource, reason string) *DomainError {
	e := newError(ErrConflict, "CONFLICT", fmt.Sprintf("conflict with %s: %s", resource, reason))
	e.Retryable = true
	return e
}

func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool      { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidInput(err error) bool       { return errors.Is(err, ErrInvalidInput) }
func IsForbidden(err error) bool          { return errors.Is(err, ErrForbidden) }
func IsConflict(err error) bool           { return errors.Is(err, ErrConflict) }
func IsServiceUnavailable(err error) bool { return errors.Is(err, ErrServiceUnavailable) }

// GetErrorCode returns the domain code, or UNKNOWN_ERROR for foreign errors
func GetErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return "UNKNOWN_ERROR"
}

func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}
