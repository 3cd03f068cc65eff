package runstatus

import "strings"

// Human-readable connection states pushed through status-change hooks.
const (
	Connecting       = "Connecting"
	Authenticating   = "Authenticating"
	Connected        = "Connected"
	Disconnected     = "Disconnected"
	Reconnecting     = "Reconnecting"
	AuthFailed       = "Authentication failed"
	ReconnectsFailed = "Max reconnect attempts reached"
	Closed           = "Closed"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// Terminal reports whether no further automatic transition follows status.
func Terminal(status string) bool {
	switch Key(status) {
	case Key(AuthFailed), Key(ReconnectsFailed), Key(Closed):
		return true
	}
	return false
}
