package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a workflow definition was not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrDefinitionKeyExists indicates a definition with the same key already exists.
	ErrDefinitionKeyExists = errors.New("workflow definition key already exists")

	// ErrVersionNotFound indicates a workflow version was not found.
	ErrVersionNotFound = errors.New("workflow version not found")

	// ErrVersionImmutable indicates an attempt to modify a published or archived version.
	ErrVersionImmutable = errors.New("workflow version is immutable")

	// ErrInstanceNotFound indicates a workflow instance was not found.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrStaleInstanceState indicates the instance was modified by another
	// writer since it was read. Callers re-read and retry.
	ErrStaleInstanceState = errors.New("stale instance state")

	// ErrBranchNotFound indicates a branch was not found on the instance.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrLeaseLost indicates the worker no longer holds the lease on a branch.
	ErrLeaseLost = errors.New("branch lease lost")

	// ErrTaskNotFound indicates a human task was not found.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyClaimed indicates a task has already been claimed by another user.
	ErrTaskAlreadyClaimed = errors.New("task already claimed")

	// ErrTaskAlreadyCompleted indicates a task has already been completed.
	ErrTaskAlreadyCompleted = errors.New("task already completed")
)

// DefinitionError wraps definition-related errors with operation context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "Create", "ByKey")
	DefinitionID string // Definition ID or key if applicable
	Err          error  // Underlying error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, e.DefinitionID, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDefinitionError creates a new definition error with context.
func NewDefinitionError(op, definitionID string, err error) *DefinitionError {
	return &DefinitionError{
		Op:           op,
		DefinitionID: definitionID,
		Err:          err,
	}
}

// InstanceError wraps instance-related errors with operation context.
type InstanceError struct {
	Op         string // Operation being performed
	InstanceID string // Instance ID
	BranchID   string // Branch ID if applicable
	Err        error  // Underlying error
}

func (e *InstanceError) Error() string {
	if e.BranchID != "" {
		return fmt.Sprintf("%s operation failed for instance %s branch %s: %v", e.Op, e.InstanceID, e.BranchID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// NewBranchError creates a new instance error scoped to a branch.
func NewBranchError(op, instanceID, branchID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		BranchID:   branchID,
		Err:        err,
	}
}

// TaskError wraps task-related errors with operation context.
type TaskError struct {
	Op     string // Operation being performed
	TaskID string // Task ID
	Err    error  // Underlying error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new task error with context.
func NewTaskError(op, taskID string, err error) *TaskError {
	return &TaskError{
		Op:     op,
		TaskID: taskID,
		Err:    err,
	}
}

// IsDefinitionNotFound checks if an error indicates a definition was not found.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsVersionNotFound checks if an error indicates a version was not found.
func IsVersionNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound)
}

// IsInstanceNotFound checks if an error indicates an instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsStaleInstanceState checks if an error indicates a lost revision race.
func IsStaleInstanceState(err error) bool {
	return errors.Is(err, ErrStaleInstanceState)
}

// IsTaskNotFound checks if an error indicates a task was not found.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
