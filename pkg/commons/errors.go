package commons

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error categories the streaming core can
// raise.
type ErrorKind string

const (
	// ErrInvalidFormat: a codec received input violating its precondition.
	ErrInvalidFormat ErrorKind = "INVALID_FORMAT"
	// ErrNotConnected: ingress pushed, or upstream send attempted, while the
	// upstream connection is not open.
	ErrNotConnected ErrorKind = "NOT_CONNECTED"
	// ErrUpstreamProtocol: a text frame was not valid JSON, or lacked "type".
	ErrUpstreamProtocol ErrorKind = "UPSTREAM_PROTOCOL"
	// ErrUpstreamTransport: socket error, unexpected close, handshake failure.
	ErrUpstreamTransport ErrorKind = "UPSTREAM_TRANSPORT"
	// ErrBackoffExhausted: reconnect attempt ceiling reached.
	ErrBackoffExhausted ErrorKind = "BACKOFF_EXHAUSTED"
	// ErrSessionGone: operation on a session past its terminal status.
	ErrSessionGone ErrorKind = "SESSION_GONE"
	// ErrInvalidConfig: PipelineConfig failed construction-time validation.
	ErrInvalidConfig ErrorKind = "INVALID_CONFIG"
)

// CoreError is a typed error carrying one of the closed ErrorKind values so
// call sites can branch on Kind rather than string-match messages.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// NewError builds a CoreError of the given kind.
func NewError(kind ErrorKind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// Is lets errors.Is(err, commons.Sentinel(commons.ErrNotConnected)) match
// any *CoreError of the same kind, comparing by kind rather than identity.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a zero-cause CoreError of the given kind, usable with
// errors.Is as a comparison target.
func Sentinel(kind ErrorKind) *CoreError {
	return &CoreError{Kind: kind, Message: string(kind)}
}

// ErrorKindOf extracts the ErrorKind from err if it (or something it
// wraps) is a *CoreError, and the zero value otherwise.
func ErrorKindOf(err error) ErrorKind {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}
