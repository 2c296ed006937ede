package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrHandlerNotFound       = errors.New("handler not found")
	ErrAlreadyDecided        = errors.New("approval already decided")
	ErrCoordinatorNotRunning = errors.New("scheduler coordinator is not running")
	ErrAlreadyRegistered     = errors.New("agent already registered")
	ErrStatusConflict        = errors.New("task status changed concurrently")
	ErrInvalidTransition     = errors.New("invalid status transition")
)

// ValidationError reports a malformed task creation request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ExecutionError wraps a failure returned (or panicked) by an action handler.
type ExecutionError struct {
	Action string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
