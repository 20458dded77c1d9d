package errors

import (
	stderr "errors"
	"fmt"
)

// CallerNotFoundError indicates that no live session exists for a caller.
type CallerNotFoundError struct {
	CallerID string
}

// Error is an implementation of the error interface.
func (n *CallerNotFoundError) Error() string {
	return fmt.Sprintf("caller %q not found", n.CallerID)
}

// NotFoundCaller returns the caller id and true if CallerNotFoundError is part of the error chain.
func NotFoundCaller(e error) (_ string, ok bool) {
	var nf *CallerNotFoundError
	if !stderr.As(e, &nf) {
		return "", false
	}
	return nf.CallerID, true
}

// IsNotFound reports whether a CallerNotFoundError is part of the error chain.
func IsNotFound(e error) bool {
	_, ok := NotFoundCaller(e)
	return ok
}
