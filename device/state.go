package device

import "fmt"

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Online means transport is open, commands can be written.
func (s State) Online() bool { return s == StateConnected || s == StateDegraded }
