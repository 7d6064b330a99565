package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("transport: not connected")
	ErrTranslationActive  = errors.New("transport: translation already started")
	ErrReconnectExhausted = errors.New("transport: reconnection attempts exhausted")
	ErrSessionClosed      = errors.New("transport: session closed")
	ErrInvalidMessage     = errors.New("transport: invalid message")
)

// BackendError is an application-level failure reported by the
// translation service, either as an HTTP error body or an `error` event.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("translation backend error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return "translation backend error: " + e.Message
}

// ConnectionError wraps a failure to reach the event channel.
type ConnectionError struct {
	URL     string
	Attempt int
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connecting to %s (attempt %d): %v", e.URL, e.Attempt, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}
