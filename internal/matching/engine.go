// Package matching pairs waiting users with compatible criteria and
// provisions a room for each pair.
//
// One Engine mutex serializes every pool mutation together with the session
// state change it implies, so a committed pair is removed from the pool in
// the same critical section that moves both sessions out of SEARCHING.
// Provisioning runs outside the lock; while it runs both sessions sit in the
// internal PAIRING state and cancellations against them are recorded and
// applied once the outcome is known.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/protocol"
	"github.com/peerprep/matching/internal/room"
)

// Config holds the engine's policy knobs.
type Config struct {
	MaxWait          time.Duration // 0 waits indefinitely
	MaxQueueSize     int           // 0 admits any number of waiting requests
	ProvisionTimeout time.Duration // bound on one room creation
	ExpiryInterval   time.Duration // how often RunExpiry scans the pool
}

// DefaultConfig returns unbounded waiting and queue size.
func DefaultConfig() Config {
	return Config{
		ProvisionTimeout: 10 * time.Second,
		ExpiryInterval:   time.Second,
	}
}

// Engine owns the pool and every connection session.
type Engine struct {
	cfg         Config
	provisioner RoomProvisioner
	notifier    Notifier
	observer    Observer
	scorer      Scorer
	tags        TagSet
	now         func() time.Time

	mu       sync.Mutex
	pool     *Pool
	sessions map[string]*Session
	seq      uint64

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithScorer replaces FIFO partner selection.
func WithScorer(s Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithObserver registers lifecycle hooks.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTagSet restricts tags to those known to ts.
func WithTagSet(ts TagSet) Option {
	return func(e *Engine) { e.tags = ts }
}

// WithClock replaces time.Now for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, provisioner RoomProvisioner, notifier Notifier, opts ...Option) *Engine {
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = DefaultConfig().ProvisionTimeout
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultConfig().ExpiryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		provisioner: provisioner,
		notifier:    notifier,
		observer:    NopObserver{},
		scorer:      FIFOScorer{},
		now:         time.Now,
		pool:        NewPool(),
		sessions:    make(map[string]*Session),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pairing is a committed pair awaiting provisioning. a is the older request.
type pairing struct {
	a, b   *Request
	sa, sb *Session
}

// batch collects the effects of one locked operation for delivery after
// the lock is released.
type batch struct {
	touched  []*Session
	pairs    []pairing
	expired  []Request
	poolSize int
}

func (b *batch) touch(s *Session) {
	for _, t := range b.touched {
		if t == s {
			return
		}
	}
	b.touched = append(b.touched, s)
}

// do runs fn under the engine lock and then delivers the batch.
func (e *Engine) do(fn func(b *batch) error) error {
	b := &batch{}
	e.mu.Lock()
	err := fn(b)
	b.poolSize = e.pool.Len()
	e.mu.Unlock()

	e.finish(b)
	return err
}

func (e *Engine) finish(b *batch) {
	for _, s := range b.touched {
		e.flush(s)
	}
	e.observer.PoolSize(b.poolSize)
	for _, r := range b.expired {
		e.observer.RequestExpired(r)
	}
	for _, p := range b.pairs {
		e.observer.PairCommitted(*p.a, *p.b)
		e.launch(p)
	}
}

// flush drains a session's outbox. Holding sendMu across the drain keeps a
// later batch from overtaking an earlier one for the same session.
func (e *Engine) flush(s *Session) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	e.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	e.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (e *Engine) setState(s *Session, st State, b *batch) {
	s.state = st
	connID, userID := s.ConnID, s.UserID
	s.outbox = append(s.outbox, func() { e.observer.SessionState(connID, userID, st) })
	b.touch(s)
}

func (e *Engine) send(s *Session, msg []byte, b *batch) {
	connID := s.ConnID
	s.outbox = append(s.outbox, func() {
		if err := e.notifier.Notify(connID, msg); err != nil {
			logger.Debug("notify dropped", "component", "matcher", "conn_id", connID, "error", err)
		}
	})
	b.touch(s)
}

func (e *Engine) reject(s *Session, err error, b *batch) {
	title, message := Describe(err)
	e.send(s, protocol.Error(title, message), b)
}

// ---------------------------------------------------------------------------
// Channel events
// ---------------------------------------------------------------------------

// Open creates an IDLE session for a newly connected channel.
func (e *Engine) Open(connID, userID string) error {
	return e.do(func(b *batch) error {
		if _, ok := e.sessions[connID]; ok {
			return ErrSessionExists
		}
		s := newSession(connID, userID)
		e.sessions[connID] = s
		e.setState(s, StateIdle, b)
		return nil
	})
}

// Match handles a match request. Rejections are reported to the client and
// also returned; a nil return means the request entered the pool.
func (e *Engine) Match(connID string, difficulties, tags []string) error {
	criteria, verr := NewCriteria(difficulties, tags, e.tags)

	return e.do(func(b *batch) error {
		s := e.sessions[connID]
		if s == nil {
			return ErrUnknownSession
		}

		switch s.state {
		case StateSearching, StatePairing:
			e.reject(s, ErrAlreadySearching, b)
			return ErrAlreadySearching
		case StateMatched:
			e.reject(s, ErrAlreadyMatched, b)
			return ErrAlreadyMatched
		}
		if verr != nil {
			e.reject(s, verr, b)
			return verr
		}
		if e.cfg.MaxQueueSize > 0 && e.pool.Len() >= e.cfg.MaxQueueSize {
			e.reject(s, ErrQueueFull, b)
			return ErrQueueFull
		}

		e.seq++
		r := &Request{
			ConnID:     s.ConnID,
			UserID:     s.UserID,
			Criteria:   criteria,
			Seq:        e.seq,
			EnqueuedAt: e.now(),
		}
		e.pool.Insert(r)
		s.request = r
		e.setState(s, StateSearching, b)

		if partner := e.pool.FindPartner(r, e.scorer); partner != nil {
			e.commit(r, partner, b)
			return nil
		}
		e.send(s, protocol.Acknowledgement(), b)
		return nil
	})
}

// Abort withdraws the channel's pending request. It is a no-op unless the
// session is searching; an abort during PAIRING takes effect only if the
// pairing is rolled back.
func (e *Engine) Abort(connID string) error {
	return e.do(func(b *batch) error {
		s := e.sessions[connID]
		if s == nil {
			return ErrUnknownSession
		}

		switch s.state {
		case StateSearching:
			e.pool.Remove(connID)
			s.request = nil
			e.setState(s, StateIdle, b)
			e.sweep(b)
		case StatePairing:
			s.abortPending = true
		}
		return nil
	})
}

// Close destroys the channel's session, removing any waiting request.
func (e *Engine) Close(connID string) {
	_ = e.do(func(b *batch) error {
		s := e.sessions[connID]
		if s == nil {
			return nil
		}
		delete(e.sessions, connID)
		s.closed = true

		if s.state == StateSearching {
			e.pool.Remove(connID)
			s.request = nil
			e.sweep(b)
		}

		s.outbox = append(s.outbox, func() { e.observer.SessionClosed(connID) })
		b.touch(s)
		return nil
	})
}

// ---------------------------------------------------------------------------
// Pairing
// ---------------------------------------------------------------------------

// commit removes both requests and moves both sessions to PAIRING.
func (e *Engine) commit(x, y *Request, b *batch) {
	if y.Seq < x.Seq {
		x, y = y, x
	}
	sx, sy := e.sessions[x.ConnID], e.sessions[y.ConnID]
	for _, s := range []*Session{sx, sy} {
		if s == nil || s.state != StateSearching {
			panic(fmt.Sprintf("matching: pool entry without searching session (%s, %s)", x.ConnID, y.ConnID))
		}
	}

	e.pool.Remove(x.ConnID)
	e.pool.Remove(y.ConnID)
	e.setState(sx, StatePairing, b)
	e.setState(sy, StatePairing, b)
	b.pairs = append(b.pairs, pairing{a: x, b: y, sa: sx, sb: sy})

	logger.Debug("pair committed", "component", "matcher",
		"conn_a", x.ConnID, "conn_b", y.ConnID, "pool", e.pool.Len())
}

// sweep pairs any entries that have become pairable, oldest first.
func (e *Engine) sweep(b *batch) {
	for i := 0; i < e.pool.Len(); {
		r := e.pool.At(i)
		if partner := e.pool.FindPartner(r, e.scorer); partner != nil {
			// Every earlier entry is unpairable, so the partner sits after i
			// and position i now holds the next entry.
			e.commit(r, partner, b)
			continue
		}
		i++
	}
}

func (e *Engine) launch(p pairing) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ProvisionTimeout)
		defer cancel()

		start := time.Now()
		r, err := e.provisioner.Provision(ctx, *p.a, *p.b)
		if err != nil {
			logger.Warn("provisioning failed", "component", "matcher",
				"conn_a", p.a.ConnID, "conn_b", p.b.ConnID, "error", err)
			e.observer.PairRolledBack(err)
			e.rollback(p, err)
			return
		}

		e.observer.PairProvisioned(r, time.Since(start))
		logger.Info("room created", "component", "matcher",
			"room_id", r.ID, "question_id", r.QuestionID,
			"user_a", r.UserIDs[0], "user_b", r.UserIDs[1])
		e.complete(p, r)
	}()
}

// complete moves both surviving sessions to MATCHED. A recorded abort is
// void once the pair has succeeded.
func (e *Engine) complete(p pairing, r room.Room) {
	msg := protocol.Success(r.UserIDs, r.QuestionID, r.ID)

	_ = e.do(func(b *batch) error {
		for _, s := range []*Session{p.sa, p.sb} {
			s.abortPending = false
			if s.closed {
				continue
			}
			s.request = nil
			e.setState(s, StateMatched, b)
			e.send(s, msg, b)
		}
		return nil
	})
}

// rollback undoes a failed pairing. Parties that closed are dropped, parties
// that aborted go IDLE silently, and the rest are restored at their original
// position with an error. An unrecoverable cause sends everyone IDLE.
func (e *Engine) rollback(p pairing, cause error) {
	unrecoverable := errors.Is(cause, ErrUnrecoverable)
	title, message := Describe(cause)
	frame := protocol.Error(title, message)

	_ = e.do(func(b *batch) error {
		var restored []*Request
		for _, side := range []struct {
			s *Session
			r *Request
		}{{p.sa, p.a}, {p.sb, p.b}} {
			s := side.s
			switch {
			case s.closed:
			case s.abortPending:
				s.abortPending = false
				s.request = nil
				e.setState(s, StateIdle, b)
			case unrecoverable:
				s.request = nil
				e.setState(s, StateIdle, b)
				e.send(s, frame, b)
			default:
				e.pool.Insert(side.r)
				e.setState(s, StateSearching, b)
				e.send(s, frame, b)
				restored = append(restored, side.r)
			}
		}

		if len(restored) == 2 {
			e.pool.MarkFailed(p.a.ConnID, p.b.ConnID)
		}
		for _, r := range restored {
			if e.pool.Get(r.ConnID) != r {
				continue
			}
			if partner := e.pool.FindPartner(r, e.scorer); partner != nil {
				e.commit(r, partner, b)
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

// Expire removes requests that have waited longer than MaxWait as of now and
// returns how many were removed. It does nothing when MaxWait is 0.
func (e *Engine) Expire(now time.Time) int {
	if e.cfg.MaxWait <= 0 {
		return 0
	}
	frame := protocol.Error(Describe(ErrExpired))

	var n int
	_ = e.do(func(b *batch) error {
		for _, r := range e.pool.WaitingSince(now.Add(-e.cfg.MaxWait)) {
			e.pool.Remove(r.ConnID)
			s := e.sessions[r.ConnID]
			s.request = nil
			e.setState(s, StateIdle, b)
			e.send(s, frame, b)
			b.expired = append(b.expired, *r)
		}
		n = len(b.expired)
		if n > 0 {
			e.sweep(b)
		}
		return nil
	})
	return n
}

// RunExpiry scans for expired requests every ExpiryInterval until ctx is
// cancelled. It returns immediately when MaxWait is 0.
func (e *Engine) RunExpiry(ctx context.Context) {
	if e.cfg.MaxWait <= 0 {
		return
	}

	ticker := time.NewTicker(e.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("expiry loop stopped", "component", "matcher")
			return
		case <-ticker.C:
			if n := e.Expire(e.now()); n > 0 {
				logger.Info("expired waiting requests", "component", "matcher", "count", n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Introspection and shutdown
// ---------------------------------------------------------------------------

// State returns the session state for connID.
func (e *Engine) State(connID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[connID]
	if !ok {
		return 0, false
	}
	return s.state, true
}

// Queued reports whether connID has a request in the pool.
func (e *Engine) Queued(connID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Get(connID) != nil
}

// PoolSize returns the number of waiting requests.
func (e *Engine) PoolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Len()
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Snapshot returns the waiting requests, oldest first.
func (e *Engine) Snapshot() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Snapshot()
}

// Wait blocks until no provisioning is in flight.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Shutdown waits for in-flight provisioning to finish. If ctx ends first,
// outstanding provisioning is cancelled (and rolled back) before returning.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
