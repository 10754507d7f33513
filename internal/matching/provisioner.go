package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/question"
	"github.com/peerprep/matching/internal/room"
)

var (
	// ErrNoQuestion means no catalog question satisfies both requesters.
	ErrNoQuestion = errors.New("matching: no question satisfies both criteria")

	// ErrUnrecoverable marks provisioning failures after which the pair is
	// not returned to the pool; both parties must resubmit.
	ErrUnrecoverable = errors.New("matching: provisioning unavailable")
)

// RoomProvisioner turns a committed pair into a persisted room.
type RoomProvisioner interface {
	Provision(ctx context.Context, a, b Request) (room.Room, error)
}

// RoomPublisher announces created rooms to other services.
type RoomPublisher interface {
	PublishRoomCreated(r room.Room) error
}

// Provisioner selects a question from the catalog and stores the room.
type Provisioner struct {
	catalog   question.Catalog
	rooms     room.Store
	publisher RoomPublisher

	pick  func(n int) int
	newID func() string
	now   func() time.Time
}

// ProvisionerOption customizes a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithPublisher announces every stored room through pub.
func WithPublisher(pub RoomPublisher) ProvisionerOption {
	return func(p *Provisioner) { p.publisher = pub }
}

// WithPicker replaces the uniform random question choice.
func WithPicker(pick func(n int) int) ProvisionerOption {
	return func(p *Provisioner) { p.pick = pick }
}

// WithRoomIDs replaces uuid generation for room ids.
func WithRoomIDs(newID func() string) ProvisionerOption {
	return func(p *Provisioner) { p.newID = newID }
}

func NewProvisioner(catalog question.Catalog, rooms room.Store, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		catalog: catalog,
		rooms:   rooms,
		pick:    rand.IntN,
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision creates the room for a and b. It returns ErrNoQuestion when the
// intersected criteria select nothing, and wraps ErrUnrecoverable when the
// room store is closed.
func (p *Provisioner) Provision(ctx context.Context, a, b Request) (room.Room, error) {
	if !Compatible(a.Criteria, b.Criteria) {
		return room.Room{}, ErrNoQuestion
	}
	eff := a.Criteria.Intersect(b.Criteria)

	ids, err := p.catalog.Find(ctx, eff.DifficultyStrings(), eff.Tags)
	if err != nil {
		return room.Room{}, fmt.Errorf("matching: query catalog: %w", err)
	}
	if len(ids) == 0 {
		return room.Room{}, ErrNoQuestion
	}

	r := room.Room{
		ID:         p.newID(),
		UserIDs:    [2]string{a.UserID, b.UserID},
		QuestionID: ids[p.pick(len(ids))],
		CreatedAt:  p.now().UTC(),
	}

	if err := p.rooms.Create(ctx, r); err != nil {
		if errors.Is(err, room.ErrClosed) {
			return room.Room{}, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
		}
		return room.Room{}, fmt.Errorf("matching: create room: %w", err)
	}

	if p.publisher != nil {
		if err := p.publisher.PublishRoomCreated(r); err != nil {
			logger.Warn("room event publish failed", "component", "provisioner", "room_id", r.ID, "error", err)
		}
	}
	return r, nil
}
