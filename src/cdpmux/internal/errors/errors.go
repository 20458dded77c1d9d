package errors

import (
	stderr "errors"
	"net"
)

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrNotReady reports that no Ready browser connection was available before the call's deadline.
	ErrNotReady = New("browser connection is not ready")
	// ErrClosed reports that the component has been shut down.
	ErrClosed = New("closed")
	// NoMethodError reports that a request is missing its method.
	NoMethodError = New("method is required")
	// NoCallerError reports that a request is missing its caller identity.
	NoCallerError = New("caller id is required")
	// InvalidFilterError reports that an event subscription pattern does not compile.
	InvalidFilterError = New("invalid event filter")
	// ErrNoEventStream reports that a session was never opened as a stream and receives no events.
	ErrNoEventStream = New("session has no event stream")
	// InvalidParamsError reports that request parameters could not be decoded.
	InvalidParamsError = New("invalid params")
)

// IsBadRequest reports whether the error is a bad request from the caller.
func IsBadRequest(e error) bool {
	return stderr.Is(e, NoMethodError) || stderr.Is(e, NoCallerError) ||
		stderr.Is(e, InvalidFilterError) || stderr.Is(e, InvalidParamsError)
}

// IsNetClosed reports whether the error comes from using a closed network connection.
func IsNetClosed(e error) bool {
	return stderr.Is(e, net.ErrClosed)
}
