package engine

import (
	"errors"
	"fmt"
)

// ProcessingError is a fatal error for one processing call.
//
// Protocol problems never produce a ProcessingError; they become ERROR
// transitions with an outbound Error event. A ProcessingError means the input
// itself is unusable (caller bug or corrupt record) and must surface so the
// driving event is redelivered instead of acknowledged and lost.
type ProcessingError struct {
	// Code identifies the error category.
	Code ProcessingErrorCode

	// Message is a human-readable description.
	Message string

	// SessionID identifies the affected session when known.
	SessionID string
}

// ProcessingErrorCode categorizes processing errors.
type ProcessingErrorCode string

const (
	// ErrCodeMissingPayload indicates an event without a payload.
	ErrCodeMissingPayload ProcessingErrorCode = "MISSING_PAYLOAD"

	// ErrCodeKeyMismatch indicates the bus key, event and state disagree on the session id.
	ErrCodeKeyMismatch ProcessingErrorCode = "KEY_MISMATCH"

	// ErrCodeUnknownPayload indicates a payload variant the engine does not handle.
	ErrCodeUnknownPayload ProcessingErrorCode = "UNKNOWN_PAYLOAD"

	// ErrCodeNoSession indicates a non-Init send for a session with no state.
	ErrCodeNoSession ProcessingErrorCode = "NO_SESSION"

	// ErrCodeSessionExists indicates an Init send for a session that already has state.
	ErrCodeSessionExists ProcessingErrorCode = "SESSION_EXISTS"
)

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session=%s)", e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsProcessingError returns true if err wraps a ProcessingError with the given code.
// Uses errors.As to handle wrapped errors.
func IsProcessingError(err error, code ProcessingErrorCode) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsKeyMismatch returns true if the error is a key mismatch.
func IsKeyMismatch(err error) bool {
	return IsProcessingError(err, ErrCodeKeyMismatch)
}

func newProcessingError(code ProcessingErrorCode, sessionID, format string, args ...any) *ProcessingError {
	return &ProcessingError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		SessionID: sessionID,
	}
}
