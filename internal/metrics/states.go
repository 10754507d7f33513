package metrics

import (
	"sync"

	"github.com/peerprep/matching/internal/matching"
)

// stateTracker remembers each session's last reported state so the
// per-state gauge can be moved rather than only incremented.
type stateTracker struct {
	mu   sync.Mutex
	last map[string]matching.State
}

func (t *stateTracker) set(connID string, s matching.State) (prev matching.State, had bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, had = t.last[connID]
	t.last[connID] = s
	return prev, had
}

func (t *stateTracker) remove(connID string) (prev matching.State, had bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, had = t.last[connID]
	delete(t.last, connID)
	return prev, had
}
