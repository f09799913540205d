package core

// ConnectionState is the health of the single logical connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Valid reports whether s is one of the four defined states.
func (s ConnectionState) Valid() bool {
	return s >= StateDisconnected && s <= StateError
}

var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is an edge of the connection state machine.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
