package models

// ConnectionState is owned by the transport connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// String returns the string representation of ConnectionState
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is one transition on the connection state stream. Err is set
// when the transition was caused by a failure.
type StateChange struct {
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Attempt int             `json:"attempt,omitempty"`
	Err     error           `json:"-"`
}
