package server

import "fmt"

// ConnectionState is the lifecycle state of a ServiceCore. Only the
// dispatcher goroutine changes it.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopping
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// isDown reports whether nothing is running in this state
func (s ConnectionState) isDown() bool {
	return s == StateIdle || s == StateStopped
}
