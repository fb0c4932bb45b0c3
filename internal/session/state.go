package session

// State is the lifecycle state of a session.
type State int

const (
	StateUnconnected State = iota
	StateDiscovering
	StateConnecting
	StateHandshaking
	StateEstablished
	StateShutdownRequested
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateShutdownRequested:
		return "shutdown_requested"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanCommand reports whether commands may be issued in this state.
func (s State) CanCommand() bool {
	return s == StateEstablished || s == StateShutdownRequested
}
