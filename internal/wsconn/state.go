package wsconn

import "time"

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateDisconnected means no socket exists and none is wanted.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and healthy.
	StateConnected
	// StateReconnecting means the socket dropped and a retry is scheduled.
	StateReconnecting
	// StateError means the reconnect ceiling was reached; only an explicit
	// Reconnect leaves this state.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition.
type StateChange struct {
	From State
	To   State
}

// Attempt is published when a reconnect is scheduled, so a UI can render
// "Reconnecting (n)" with the upcoming delay.
type Attempt struct {
	N     int
	Max   int
	Delay time.Duration
}

// CloseInfo is published when the socket goes away.
type CloseInfo struct {
	// Err is the read or dial error that took the socket down, nil for an
	// intentional disconnect.
	Err error
	// Intentional reports whether Disconnect was called.
	Intentional bool
}
