// Package room models the durable record created for each successful
// pairing and provides PostgreSQL and in-memory stores for it.
package room

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no room has the requested id.
	ErrNotFound = errors.New("room: not found")

	// ErrClosed is returned once the underlying store can no longer accept
	// writes. Callers treat it as unrecoverable.
	ErrClosed = errors.New("room: store closed")
)

// Room references both participants and the selected question. It is never
// mutated after creation.
type Room struct {
	ID         string    `json:"id"`
	UserIDs    [2]string `json:"userIds"`
	QuestionID string    `json:"questionId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HasUser reports whether userID participates in the room.
func (r Room) HasUser(userID string) bool {
	return r.UserIDs[0] == userID || r.UserIDs[1] == userID
}

// Store persists rooms.
type Store interface {
	Create(ctx context.Context, r Room) error
	Get(ctx context.Context, id string) (Room, error)
	// ListByUser returns the user's rooms, newest first, at most limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]Room, error)
}
