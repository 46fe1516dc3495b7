package transport

import (
	"errors"
	"fmt"
)

// State of the broker connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
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
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives the connection state machine
type Event int

const (
	EventConnect Event = iota
	EventConnected
	EventConnectFailed
	EventConnectionLost
	EventDisconnect
)

func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

// Machine is the connection state together with the count of consecutive
// failed connection attempts.
type Machine struct {
	State       State
	Attempt     int
	MaxAttempts int
}

func NewMachine(maxAttempts int) Machine {
	return Machine{State: StateDisconnected, MaxAttempts: maxAttempts}
}

// Transition returns the machine that results from applying ev to m. The input
// is never modified; on error the returned machine equals m.
//
//	Disconnected --connect--> Connecting --connected--> Connected
//	Connecting/Reconnecting --connect_failed--> Reconnecting | Failed (attempts exhausted)
//	Connected --connection_lost--> Reconnecting
//	any --disconnect--> Disconnected
func Transition(m Machine, ev Event) (Machine, error) {
	next := m
	switch ev {
	case EventDisconnect:
		next.State = StateDisconnected
		next.Attempt = 0
		return next, nil

	case EventConnect:
		if m.State != StateDisconnected {
			break
		}
		next.State = StateConnecting
		next.Attempt = 0
		return next, nil

	case EventConnected:
		if m.State != StateConnecting && m.State != StateReconnecting {
			break
		}
		next.State = StateConnected
		next.Attempt = 0
		return next, nil

	case EventConnectFailed:
		if m.State != StateConnecting && m.State != StateReconnecting {
			break
		}
		next.Attempt = m.Attempt + 1
		if m.MaxAttempts > 0 && next.Attempt >= m.MaxAttempts {
			next.State = StateFailed
		} else {
			next.State = StateReconnecting
		}
		return next, nil

	case EventConnectionLost:
		if m.State != StateConnected {
			break
		}
		next.State = StateReconnecting
		next.Attempt = 0
		return next, nil
	}
	return m, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, m.State)
}
