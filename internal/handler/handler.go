// Package handler connects the WebSocket transport to the matching engine:
// channel lifecycle callbacks and the match/abort message handlers.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/matching"
	"github.com/peerprep/matching/internal/metrics"
	"github.com/peerprep/matching/internal/protocol"
	"github.com/peerprep/matching/internal/ratelimit"
	"github.com/peerprep/matching/internal/ws"
)

// limiterTimeout bounds one rate limit check; the limiter fails open.
const limiterTimeout = 200 * time.Millisecond

// Matcher is the engine surface the handlers drive.
type Matcher interface {
	Open(connID, userID string) error
	Match(connID string, difficulties, tags []string) error
	Abort(connID string) error
	Close(connID string)
}

// Limiter throttles match requests per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

type Handler struct {
	engine  Matcher
	limiter Limiter
	rule    ratelimit.Rule
}

type Option func(*Handler)

// WithRateLimit throttles match requests per user with rule.
func WithRateLimit(l Limiter, rule ratelimit.Rule) Option {
	return func(h *Handler) {
		h.limiter = l
		h.rule = rule
	}
}

func New(engine Matcher, opts ...Option) *Handler {
	h := &Handler{engine: engine, rule: ratelimit.RuleMatch}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the message handlers on d.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeMatch, h.handleMatch)
	d.Register(protocol.TypeAbort, h.handleAbort)
}

// Connect opens an engine session for a new channel.
func (h *Handler) Connect(c *ws.Connection) error {
	return h.engine.Open(c.ID, c.UserID)
}

// Disconnect tears down the channel's session. Any waiting request is
// withdrawn as if aborted.
func (h *Handler) Disconnect(connID string) {
	h.engine.Close(connID)
}

func (h *Handler) handleMatch(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MatchMsg)
	if !ok {
		return
	}

	if h.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
		allowed, _ := h.limiter.Allow(ctx, conn.UserID, h.rule)
		cancel()
		if !allowed {
			metrics.RejectionsTotal.WithLabelValues("rate_limited").Inc()
			logger.Info("match rate limited", "component", "handler", "conn_id", conn.ID, "user_id", conn.UserID)
			if err := conn.WriteMessage(protocol.Error("Too many requests", "Please wait before searching again.")); err != nil {
				logger.Debug("reply failed", "component", "handler", "conn_id", conn.ID, "error", err)
			}
			return
		}
	}

	err := h.engine.Match(conn.ID, m.Difficulties, m.Tags)
	switch {
	case err == nil:
	case errors.Is(err, matching.ErrUnknownSession):
		logger.Warn("match on unknown session", "component", "handler", "conn_id", conn.ID)
	default:
		// Already reported to the client by the engine.
		metrics.Rejected(err)
	}
}

func (h *Handler) handleAbort(conn *ws.Connection, _ interface{}) {
	if err := h.engine.Abort(conn.ID); err != nil {
		logger.Warn("abort failed", "component", "handler", "conn_id", conn.ID, "error", err)
	}
}
