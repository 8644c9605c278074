// Package services implements the engine's business operations: definition
// and version authoring, instance lifecycle control and human task handling.
package services

import (
	"errors"
	"fmt"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidStatus    = errors.New("invalid status filter")
	ErrGraphInvalid     = errors.New("graph validation failed")

	// Business logic conflicts (409 Conflict).
	ErrDefinitionNotActive     = errors.New("definition has no active published version")
	ErrNoPublishedVersion      = errors.New("definition has no published version")
	ErrVersionNotDraft         = errors.New("version is not in draft")
	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrMaxConcurrentInstances  = errors.New("max concurrent instances reached")
	ErrEntityTypeMismatch      = errors.New("entity type does not match definition")
	ErrTaskNotAssignedToCaller = errors.New("task is not assigned to the caller")
)

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks whether an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrGraphInvalid)
}

// IsConflictError checks whether an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrDefinitionNotActive) ||
		errors.Is(err, ErrNoPublishedVersion) ||
		errors.Is(err, ErrVersionNotDraft) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrMaxConcurrentInstances) ||
		errors.Is(err, ErrEntityTypeMismatch)
}

// IsForbiddenError checks whether an error should map to HTTP 403.
func IsForbiddenError(err error) bool {
	return errors.Is(err, ErrTaskNotAssignedToCaller)
}
