package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoEngineFactory is returned when creating a session without a factory
	ErrNoEngineFactory = errors.New("engine factory is required")

	// ErrNotSupported is returned when the session's engine lacks a capability
	ErrNotSupported = errors.New("operation not supported by engine")
)

// SessionError is a turn failure attributed to a session
type SessionError struct {
	SessionID string
	Err       error
}

func (e SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e SessionError) Unwrap() error {
	return e.Err
}
