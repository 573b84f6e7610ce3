// Package apperr defines the error taxonomy shared by services and handlers.
// Handlers map these types to HTTP status codes with errors.As instead of
// matching on message text.
package apperr

import "fmt"

// ValidationError reports rejected input. Nothing is written before it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for a single field.
func Validation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// KillSwitchBlockedError reports an execution attempt while the kill switch
// forbids it. Scope is "global" or the connection id whose flag blocked the
// attempt, so callers can explain why nothing ran.
type KillSwitchBlockedError struct {
	Scope string
}

func (e *KillSwitchBlockedError) Error() string {
	return fmt.Sprintf("execution blocked by kill switch (scope: %s)", e.Scope)
}

// ExecutionError reports a target-database failure. Message carries the
// driver's error text; the DSN and credentials must never be included.
type ExecutionError struct {
	SQLState string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.SQLState == "" {
		return "execution failed: " + e.Message
	}
	return fmt.Sprintf("execution failed (%s): %s", e.SQLState, e.Message)
}

// InvalidStateError reports an operation that the current lifecycle state
// forbids, such as executing a step that is not ready or transitioning a
// terminal pack.
type InvalidStateError struct {
	Entity  string
	State   string
	Message string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s in state '%s': %s", e.Entity, e.State, e.Message)
}

// InvalidState builds an InvalidStateError.
func InvalidState(entity, state, message string) *InvalidStateError {
	return &InvalidStateError{Entity: entity, State: state, Message: message}
}
