package association

// State is a position in the association lifecycle.
type State int

const (
	// StateCreated means no resources are held yet.
	StateCreated State = iota
	// StateConnecting means the handshake is in progress.
	StateConnecting
	// StateEstablished means the association can send and receive.
	StateEstablished
	// StateClosing means a local close is releasing resources.
	StateClosing
	// StateClosed is terminal.
	StateClosed
	// StateFailed is terminal; the handshake or the engine failed.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
