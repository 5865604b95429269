package domain

// SessionState is the lifecycle position of one connected client.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateWaiting
	StatePaired
	// StateIdle is connected, unpaired and not searching (after disconnect-partner).
	StateIdle
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StatePaired:
		return "paired"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
