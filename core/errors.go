package core

import (
	"errors"
	"fmt"
)

// ErrChannelClosed is returned once the audio channel or the recognition
// stream has gone away. The owning session ends; nothing reconnects.
var ErrChannelClosed = errors.New("channel closed")

// MalformedEventError reports an inbound message that could not be decoded.
// The message is dropped and the session keeps going.
type MalformedEventError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// HandlerFailure wraps a panic or error raised while one event was being
// handled. It is scoped to that event only.
type HandlerFailure struct {
	EventID string
	Err     error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failure on %s: %v", e.EventID, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// ProviderError is a failed recognition, generation or synthesis call.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError returns nil when err is nil.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// RecoveredError turns a recovered panic value into an error.
func RecoveredError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}
