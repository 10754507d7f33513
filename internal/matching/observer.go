package matching

import (
	"time"

	"github.com/peerprep/matching/internal/room"
)

// Notifier delivers an encoded server message to one channel. Delivery to a
// channel that has already closed fails without side effects.
type Notifier interface {
	Notify(connID string, msg []byte) error
}

// Observer receives engine lifecycle events. Per-session events arrive in
// the order the session changed; all calls happen outside the engine lock.
type Observer interface {
	SessionState(connID, userID string, state State)
	SessionClosed(connID string)
	PoolSize(n int)
	PairCommitted(a, b Request)
	PairProvisioned(r room.Room, elapsed time.Duration)
	PairRolledBack(cause error)
	RequestExpired(r Request)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionState(string, string, State) {}
func (NopObserver) SessionClosed(string) {}
func (NopObserver) PoolSize(int) {}
func (NopObserver) PairCommitted(Request, Request) {}
func (NopObserver) PairProvisioned(room.Room, time.Duration) {}
func (NopObserver) PairRolledBack(error) {}
func (NopObserver) RequestExpired(Request) {}

// multiObserver fans events out in registration order.
type multiObserver []Observer

// Observers combines several observers into one.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) SessionState(connID, userID string, state State) {
	for _, o := range m {
		o.SessionState(connID, userID, state)
	}
}

func (m multiObserver) SessionClosed(connID string) {
	for _, o := range m {
		o.SessionClosed(connID)
	}
}

func (m multiObserver) PoolSize(n int) {
	for _, o := range m {
		o.PoolSize(n)
	}
}

func (m multiObserver) PairCommitted(a, b Request) {
	for _, o := range m {
		o.PairCommitted(a, b)
	}
}

func (m multiObserver) PairProvisioned(r room.Room, elapsed time.Duration) {
	for _, o := range m {
		o.PairProvisioned(r, elapsed)
	}
}

func (m multiObserver) PairRolledBack(cause error) {
	for _, o := range m {
		o.PairRolledBack(cause)
	}
}

func (m multiObserver) RequestExpired(r Request) {
	for _, o := range m {
		o.RequestExpired(r)
	}
}
