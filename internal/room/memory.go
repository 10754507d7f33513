package room

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps rooms in process memory. It backs local development and
// tests.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string]Room
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Room)}
}

func (s *MemoryStore) Create(_ context.Context, r Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, dup := s.rooms[r.ID]; dup {
		return fmt.Errorf("room: insert: duplicate id %s", r.ID)
	}
	s.rooms[r.ID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Room, error) {
	s.mu.RLock()
	var out []Room
	for _, r := range s.rooms {
		if r.HasUser(userID) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored rooms.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Close makes further writes fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
