package auth

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidRequest   = fmt.Errorf("%w: invalid request", ErrValidation)
	ErrInvalidServerURL = fmt.Errorf("%w: invalid server URL", ErrValidation)

	ErrNetwork  = errors.New("network error")
	ErrProtocol = errors.New("protocol error")

	ErrAuthExpired      = errors.New("authentication expired")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// HTTPStatusError is returned for any non-200 answer from the token endpoint.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "http request failed"
	}
	if e.Status != "" {
		return fmt.Sprintf("HTTP Error %s", e.Status)
	}
	return fmt.Sprintf("HTTP Error %d", e.StatusCode)
}

func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrProtocol
}

// RemoteError is a well-formed error answer carried in a token response body.
type RemoteError struct {
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "remote error"
	}
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

func IsUnauthorized(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == 401 || statusErr.StatusCode == 403
}
