package matching

import "sync"

// State is a connection session's position in the matchmaking lifecycle.
type State int

const (
	StateIdle      State = iota // no pending request
	StateSearching              // request waiting in the pool
	StatePairing                // committed, room being provisioned
	StateMatched                // terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSearching:
		return "SEARCHING"
	case StatePairing:
		return "PAIRING"
	case StateMatched:
		return "MATCHED"
	default:
		return "UNKNOWN"
	}
}

// Session tracks one channel's matchmaking state. All fields except sendMu
// are guarded by the owning Engine's mutex.
type Session struct {
	ConnID string
	UserID string

	state   State
	request *Request

	// abortPending records an abort received while PAIRING; it is applied
	// once the pairing either succeeds or is rolled back.
	abortPending bool
	closed       bool

	// outbox holds deliveries appended in mutation order. sendMu is held by
	// whichever goroutine drains it, so deliveries leave in that order.
	outbox []func()
	sendMu sync.Mutex
}

func newSession(connID, userID string) *Session {
	return &Session{ConnID: connID, UserID: userID, state: StateIdle}
}
