// Package messaging provides a NATS client wrapper used to announce matching
// outcomes to the rest of the platform. It handles the connection lifecycle,
// subject-based subscriptions, and the room event payloads.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/room"
)

// NATS subjects published by the matching service.
const (
	SubjectRoomCreated = "room.created"
)

// RoomCreatedEvent is the payload of SubjectRoomCreated. The collaboration
// service picks it up to prepare the room.
type RoomCreatedEvent struct {
	RoomID     string    `json:"roomId"`
	UserIDs    [2]string `json:"userIds"`
	QuestionID string    `json:"questionId"`
	CreatedAt  time.Time `json:"createdAt"`
	Source     string    `json:"source"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	source string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also stamped on events as Source
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "matching",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "component", "nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "component", "nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed", "component", "nats")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("nats connected", "component", "nats", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		source: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoomCreated announces a newly persisted room.
func (c *NATSClient) PublishRoomCreated(r room.Room) error {
	data, err := json.Marshal(RoomCreatedEvent{
		RoomID:     r.ID,
		UserIDs:    r.UserIDs,
		QuestionID: r.QuestionID,
		CreatedAt:  r.CreatedAt,
		Source:     c.source,
	})
	if err != nil {
		return fmt.Errorf("nats: marshal room event: %w", err)
	}
	return c.Publish(SubjectRoomCreated, data)
}

// SubscribeRoomCreated decodes room events and passes them to handler.
// Malformed payloads are logged and dropped.
func (c *NATSClient) SubscribeRoomCreated(handler func(RoomCreatedEvent)) error {
	return c.Subscribe(SubjectRoomCreated, func(msg *nats.Msg) {
		var ev RoomCreatedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("invalid room event", "component", "nats", "error", err)
			return
		}
		handler(ev)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			logger.Warn("nats drain failed", "component", "nats", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		logger.Warn("nats connection drain failed", "component", "nats", "error", err)
	}

	logger.Info("nats client closed", "component", "nats")
}
