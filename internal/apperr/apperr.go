// Package apperr defines the typed error-kind taxonomy shared across the
// control plane: sendCommand failures, HTTP mint-endpoint responses, and
// broker-to-client error frames all surface one of these kinds rather than
// an opaque error string.
package apperr

import "errors"

// Kind is one of the control plane's error taxonomy values. It is not a
// Go error type name, it is the short string carried on the wire.
type Kind string

const (
	AuthFailed         Kind = "AUTH_FAILED"
	NotConnected       Kind = "NOT_CONNECTED"
	NotAuthorized      Kind = "NOT_AUTHORIZED"
	ProtocolError      Kind = "PROTOCOL_ERROR"
	LimitExceeded      Kind = "LIMIT_EXCEEDED"
	Timeout            Kind = "TIMEOUT"
	AgentDisconnected  Kind = "AGENT_DISCONNECTED"
	PeerError          Kind = "PEER_ERROR"
	PolicyDenied       Kind = "POLICY_DENIED"
	ChecksumMismatch   Kind = "CHECKSUM_MISMATCH"
	Internal           Kind = "INTERNAL"
)

// Error is a kind-tagged error. Callers use errors.As to recover the Kind
// without string-matching the message.
type Error struct {
	kind    Kind
	message string
	err     error
}

// New constructs an Error carrying the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap constructs an Error carrying the given kind, wrapping an underlying
// cause for %w / errors.Is traversal.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, message: err.Error(), err: err}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the taxonomy value carried by this error.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// Internal otherwise.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return Internal
}

// Is allows errors.Is(err, apperr.New(kind, "")) to match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.kind == t.kind
	}
	return false
}
