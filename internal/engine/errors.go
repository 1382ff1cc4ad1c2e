package engine

import (
	"errors"
	"fmt"
)

// EngineError represents an error raised during registration or propagation.
//
// Engine errors include:
//   - Cyclic dependency: reducer declarations admit no evaluation order
//   - Invalid reducer: nil handler or malformed input spec at registration
//   - Cascade quota exceeded: deferred writes keep scheduling follow-up passes
//   - Handler failed: an observer returned an error during notification
//
// EngineError includes structured fields for diagnostics.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Resource names the affected resource, when one is involved.
	Resource string

	// Slot names the slot being notified, for handler failures.
	Slot string

	// Err is the underlying cause, when wrapping.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeCyclicDependency indicates reducer declarations form a cycle.
	ErrCodeCyclicDependency ErrorCode = "CYCLIC_DEPENDENCY"

	// ErrCodeInvalidReducer indicates a malformed registration: a nil
	// handler, or a path-scoped input on a non-referential resource.
	ErrCodeInvalidReducer ErrorCode = "INVALID_REDUCER"

	// ErrCodeCascadeQuotaExceeded indicates deferred re-entrant writes
	// kept scheduling follow-up passes past the configured limit.
	ErrCodeCascadeQuotaExceeded ErrorCode = "CASCADE_QUOTA_EXCEEDED"

	// ErrCodeHandlerFailed indicates an observer handler returned an error.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.Slot != "":
		return fmt.Sprintf("%s: %s (slot=%s)", e.Code, e.Message, e.Slot)
	case e.Resource != "":
		return fmt.Sprintf("%s: %s (resource=%s)", e.Code, e.Message, e.Resource)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsCyclicDependency returns true if the error is a cyclic dependency error.
// Uses errors.As to handle wrapped errors.
func IsCyclicDependency(err error) bool {
	return hasCode(err, ErrCodeCyclicDependency)
}

// IsInvalidReducer returns true if the error is a registration error.
func IsInvalidReducer(err error) bool {
	return hasCode(err, ErrCodeInvalidReducer)
}

// IsCascadeQuotaExceeded returns true if the error is a cascade quota error.
func IsCascadeQuotaExceeded(err error) bool {
	return hasCode(err, ErrCodeCascadeQuotaExceeded)
}

// IsHandlerFailed returns true if the error is a handler failure.
func IsHandlerFailed(err error) bool {
	return hasCode(err, ErrCodeHandlerFailed)
}

func hasCode(err error, code ErrorCode) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
