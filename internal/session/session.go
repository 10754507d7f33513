// Package session mirrors matching sessions into Redis so other services can
// see who is connected, searching, or already matched.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/matching"
)

// writeTimeout bounds each presence write so a slow Redis never holds up
// event delivery.
const writeTimeout = 500 * time.Millisecond

// PresenceStore is the subset of Store the observer writes to.
type PresenceStore interface {
	Create(ctx context.Context, connID, userID string) error
	UpdateStatus(ctx context.Context, connID, status string) error
	Delete(ctx context.Context, connID string) error
}

// PresenceObserver writes engine session transitions to a Store. Write
// failures are logged and otherwise ignored.
type PresenceObserver struct {
	matching.NopObserver
	store PresenceStore

	mu   sync.Mutex
	seen map[string]bool
}

// NewPresenceObserver returns an observer bound to store.
func NewPresenceObserver(store PresenceStore) *PresenceObserver {
	return &PresenceObserver{store: store, seen: make(map[string]bool)}
}

// StatusOf maps an engine state to its presence status.
func StatusOf(state matching.State) string {
	switch state {
	case matching.StateSearching:
		return StatusSearching
	case matching.StatePairing:
		return StatusPairing
	case matching.StateMatched:
		return StatusMatched
	default:
		return StatusIdle
	}
}

func (p *PresenceObserver) SessionState(connID, userID string, state matching.State) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	if !p.created(connID) {
		err = p.store.Create(ctx, connID, userID)
		if err == nil && state != matching.StateIdle {
			err = p.store.UpdateStatus(ctx, connID, StatusOf(state))
		}
	} else {
		err = p.store.UpdateStatus(ctx, connID, StatusOf(state))
	}
	if err != nil {
		logger.Warn("presence update failed", "component", "session", "conn_id", connID, "error", err)
	}
}

func (p *PresenceObserver) SessionClosed(connID string) {
	p.forget(connID)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, connID); err != nil {
		logger.Warn("presence delete failed", "component", "session", "conn_id", connID, "error", err)
	}
}

// created reports whether connID already has a record, marking it as
// created if not.
func (p *PresenceObserver) created(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[connID] {
		return true
	}
	p.seen[connID] = true
	return false
}

func (p *PresenceObserver) forget(connID string) {
	p.mu.Lock()
	delete(p.seen, connID)
	p.mu.Unlock()
}
