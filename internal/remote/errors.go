package remote

import (
	"errors"
	"fmt"
)

// NetworkError is a transient transport or provider availability failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the provider refused our credentials. Nothing is retried
// until the user fixes them.
type AuthError struct {
	Op     string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Op, e.Reason)
}

// RejectedError means the provider refused a specific request, such as a send
// to an invalid destination. It is terminal for that message.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by provider: %s", e.Op, e.Reason)
}

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	var nErr *NetworkError
	return errors.As(err, &nErr)
}

// IsAuth reports whether err is an *AuthError anywhere in its chain.
func IsAuth(err error) bool {
	var aErr *AuthError
	return errors.As(err, &aErr)
}
