// pkg/model/errors.go
package model

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTimeout              = errors.New("timeout")
	ErrMalformedTwin        = errors.New("malformed twin")
	ErrUnknownMethod        = errors.New("unknown method")
	ErrInvalidPayload       = errors.New("invalid method payload")
	ErrChannelClosed        = errors.New("channel closed")
	ErrQueueFull            = errors.New("queue full")
)

// AuthenticationError carries the reason of a fatal connection loss.
type AuthenticationError struct {
	Reason UnauthenticatedReason
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%v: no connection, reason: %s", ErrAuthenticationFailed, e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	return ErrAuthenticationFailed
}
