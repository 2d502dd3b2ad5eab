package auth

// State is the per-connection authentication state.
type State int

const (
	// StatePending is the initial state: the handshake has not completed.
	StatePending State = iota
	// StateAuthenticated means the handshake succeeded and the
	// connection carries a session id.
	StateAuthenticated
	// StateRejected means the handshake failed or timed out; no request
	// is ever dispatched for a rejected connection.
	StateRejected
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
