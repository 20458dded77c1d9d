package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"time"
)

// Outcome kinds used for metric tags and error mapping.
const (
	KindNone           = "none"
	KindTimeout        = "timeout"
	KindConnectionLost = "connection_lost"
	KindRemote         = "remote"
	KindCanceled       = "canceled"
	KindInternal       = "internal"
	KindBadRequest     = "bad_request"
	KindNotFound       = "not_found"
)

// TimeoutError indicates that a call exceeded its deadline. The connection is left open.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

// Error is an implementation of the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %q timed out after %s", e.Method, e.Timeout)
}

// ConnectionLostError indicates that the browser connection failed before the call completed.
type ConnectionLostError struct {
	Method string
	Cause  error
}

// Error is an implementation of the error interface.
func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("connection lost during call %q", e.Method)
	}
	return fmt.Sprintf("connection lost during call %q: %s", e.Method, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ConnectionLostError) Unwrap() error {
	return e.Cause
}

// RemoteError is an error reported by the browser itself.
type RemoteError struct {
	Method  string
	Code    int64
	Message string
	Data    json.RawMessage
}

// Error is an implementation of the error interface.
func (e *RemoteError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("browser rejected %q: %s (code %d): %s", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("browser rejected %q: %s (code %d)", e.Method, e.Message, e.Code)
}

// MalformedMessageError describes a frame that could not be decoded. It is logged, never returned to a caller.
type MalformedMessageError struct {
	Reason error
}

// Error is an implementation of the error interface.
func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Unwrap returns the decode failure.
func (e *MalformedMessageError) Unwrap() error {
	return e.Reason
}

// DuplicateIDError indicates that an internal id was registered while another call with the same id was outstanding.
type DuplicateIDError struct {
	ID int64
}

// Error is an implementation of the error interface.
func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("internal id %d is already outstanding", e.ID)
}

// IsTimeout reports whether a TimeoutError is part of the error chain.
func IsTimeout(e error) bool {
	var te *TimeoutError
	return stderr.As(e, &te)
}

// IsConnectionLost reports whether a ConnectionLostError is part of the error chain.
func IsConnectionLost(e error) bool {
	var ce *ConnectionLostError
	return stderr.As(e, &ce)
}

// AsRemote returns the RemoteError in the error chain, if any.
func AsRemote(e error) (*RemoteError, bool) {
	var re *RemoteError
	if !stderr.As(e, &re) {
		return nil, false
	}
	return re, true
}

// IsRetryable reports whether the same request may succeed if submitted again unchanged.
func IsRetryable(e error) bool {
	return IsTimeout(e) || IsConnectionLost(e)
}

// Kind classifies a call outcome.
func Kind(e error) string {
	switch {
	case e == nil:
		return KindNone
	case IsTimeout(e):
		return KindTimeout
	case IsConnectionLost(e):
		return KindConnectionLost
	case stderr.Is(e, context.Canceled):
		return KindCanceled
	case IsBadRequest(e):
		return KindBadRequest
	case IsNotFound(e):
		return KindNotFound
	}
	if _, ok := AsRemote(e); ok {
		return KindRemote
	}
	return KindInternal
}
