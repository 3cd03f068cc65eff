package haws

import "errors"

var (
	ErrAuthInvalid          = errors.New("realtime authentication rejected")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts reached")
	ErrClosed               = errors.New("realtime channel closed")
	ErrNotDisconnected      = errors.New("realtime channel is not disconnected")
)

// ErrCredentials marks failures to obtain a usable token or server URL.
var ErrCredentials = errors.New("realtime credentials unavailable")

// AuthInvalidError carries the server's reason for rejecting the token. A new
// token is required before connecting again.
type AuthInvalidError struct {
	Message string
}

func (e *AuthInvalidError) Error() string {
	if e == nil || e.Message == "" {
		return ErrAuthInvalid.Error()
	}
	return ErrAuthInvalid.Error() + ": " + e.Message
}

func (e *AuthInvalidError) Is(target error) bool {
	return target == ErrAuthInvalid
}

type credentialsError struct {
	err error
}

func (e *credentialsError) Error() string {
	return "realtime credentials: " + e.err.Error()
}

func (e *credentialsError) Unwrap() error {
	return e.err
}

func (e *credentialsError) Is(target error) bool {
	return target == ErrCredentials
}
