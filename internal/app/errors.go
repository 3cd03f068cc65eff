package app

import "errors"

var (
	ErrAuthenticationFailed       = errors.New("home assistant authentication failed")
	ErrRealtimeReconnectExhausted = errors.New("realtime reconnect exhausted")
	ErrNoCredentials              = errors.New("no stored token and no way to obtain one")
)
