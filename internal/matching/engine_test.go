package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerprep/matching/internal/protocol"
	"github.com/peerprep/matching/internal/question"
	"github.com/peerprep/matching/internal/room"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type frame struct {
	Type       string    `json:"type"`
	Matched    [2]string `json:"matched"`
	QuestionID string    `json:"questionId"`
	RoomID     string    `json:"roomId"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
}

// recorder is a Notifier that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]frame)}
}

func (r *recorder) Notify(connID string, msg []byte) error {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames[connID] = append(r.frames[connID], f)
	r.mu.Unlock()
	return nil
}

func (r *recorder) of(connID string) []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames[connID]...)
}

func (r *recorder) types(connID string) []string {
	var out []string
	for _, f := range r.of(connID) {
		out = append(out, f.Type)
	}
	return out
}

func (r *recorder) last(connID string) frame {
	fs := r.of(connID)
	if len(fs) == 0 {
		return frame{}
	}
	return fs[len(fs)-1]
}

// stubProvisioner records calls and answers from results in order, then
// succeeds. A non-nil gate blocks every call until it is closed.
type stubProvisioner struct {
	mu      sync.Mutex
	calls   [][2]Request
	results []error
	gate    chan struct{}
}

func (p *stubProvisioner) Provision(ctx context.Context, a, b Request) (room.Room, error) {
	p.mu.Lock()
	p.calls = append(p.calls, [2]Request{a, b})
	n := len(p.calls)
	var err error
	if n <= len(p.results) {
		err = p.results[n-1]
	}
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return room.Room{}, err
	}
	return room.Room{
		ID:         fmt.Sprintf("room-%d", n),
		UserIDs:    [2]string{a.UserID, b.UserID},
		QuestionID: "q-1",
		CreatedAt:  time.Now(),
	}, nil
}

func (p *stubProvisioner) pairs() [][2]Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]Request(nil), p.calls...)
}

func newTestEngine(t *testing.T, cfg Config, prov RoomProvisioner, opts ...Option) (*Engine, *recorder) {
	t.Helper()
	rec := newRecorder()
	e := NewEngine(cfg, prov, rec, opts...)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, rec
}

func open(t *testing.T, e *Engine, conns ...string) {
	t.Helper()
	for _, c := range conns {
		require.NoError(t, e.Open(c, "user-"+c))
	}
}

func state(t *testing.T, e *Engine, connID string) State {
	t.Helper()
	s, ok := e.State(connID)
	require.True(t, ok, "no session for %s", connID)
	return s
}

// ---------- Scenario tests ----------

func TestScenario_PairWithQuestionSatisfyingBoth(t *testing.T) {
	catalog, err := question.NewStaticCatalog([]question.Question{
		{ID: "easy-strings", Difficulty: "EASY", Tags: []string{"strings"}},
		{ID: "medium-arrays", Difficulty: "MEDIUM", Tags: []string{"arrays"}},
		{ID: "easy-arrays", Difficulty: "EASY", Tags: []string{"arrays"}},
	})
	require.NoError(t, err)
	store := room.NewMemoryStore()

	e, rec := newTestEngine(t, DefaultConfig(), NewProvisioner(catalog, store))
	open(t, e, "c1", "c2")

	require.NoError(t, e.Match("c1", []string{"EASY"}, nil))
	require.NoError(t, e.Match("c2", []string{"EASY", "MEDIUM"}, []string{"arrays"}))
	e.Wait()

	assert.Equal(t, []string{"acknowledgement", "success"}, rec.types("c1"))
	assert.Equal(t, []string{"success"}, rec.types("c2"))

	s1, s2 := rec.last("c1"), rec.last("c2")
	assert.Equal(t, s1.RoomID, s2.RoomID)
	assert.Equal(t, "easy-arrays", s1.QuestionID)
	assert.Equal(t, "easy-arrays", s2.QuestionID)
	assert.Equal(t, [2]string{"user-c1", "user-c2"}, s1.Matched)

	stored, err := store.Get(context.Background(), s1.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "easy-arrays", stored.QuestionID)

	assert.Equal(t, StateMatched, state(t, e, "c1"))
	assert.Equal(t, StateMatched, state(t, e, "c2"))
	assert.Equal(t, 0, e.PoolSize())
}

func TestScenario_NoQuestionRollsBack(t *testing.T) {
	catalog, err := question.NewStaticCatalog([]question.Question{
		{ID: "hard-graphs", Difficulty: "HARD", Tags: []string{"graphs"}},
	})
	require.NoError(t, err)

	e, rec := newTestEngine(t, DefaultConfig(), NewProvisioner(catalog, room.NewMemoryStore()))
	open(t, e, "c1", "c2")

	require.NoError(t, e.Match("c1", []string{"EASY"}, nil))
	require.NoError(t, e.Match("c2", []string{"EASY", "MEDIUM"}, []string{"arrays"}))
	e.Wait()

	for _, c := range []string{"c1", "c2"} {
		assert.NotContains(t, rec.types(c), "success")
		last := rec.last(c)
		assert.Equal(t, "error", last.Type)
		assert.Equal(t, "No question available", last.Title)
		assert.Equal(t, StateSearching, state(t, e, c))
	}
	assert.Equal(t, []string{"c1", "c2"}, conns(e.Snapshot()))
}

func TestScenario_AbortRemovesFromPool(t *testing.T) {
	prov := &stubProvisioner{}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "c1", "c2")

	require.NoError(t, e.Match("c1", []string{"HARD"}, nil))
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c1"))

	require.NoError(t, e.Abort("c1"))
	assert.False(t, e.Queued("c1"))
	assert.Equal(t, StateIdle, state(t, e, "c1"))
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c1"), "abort sends nothing back")

	require.NoError(t, e.Match("c2", []string{"HARD"}, nil))
	e.Wait()
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c2"))
	assert.Empty(t, prov.pairs())
}

func TestScenario_ThreeArrivalsOldestPaired(t *testing.T) {
	prov := &stubProvisioner{}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "c1", "c2", "c3")

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, e.Match(c, nil, nil))
	}
	e.Wait()

	pairs := prov.pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "c1", pairs[0][0].ConnID)
	assert.Equal(t, "c2", pairs[0][1].ConnID)

	assert.Equal(t, StateMatched, state(t, e, "c1"))
	assert.Equal(t, StateMatched, state(t, e, "c2"))
	assert.Equal(t, StateSearching, state(t, e, "c3"))
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c3"))
}

func TestScenario_DisconnectWhileSearching(t *testing.T) {
	prov := &stubProvisioner{}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "c1", "c2")

	require.NoError(t, e.Match("c1", nil, nil))
	e.Close("c1")

	_, ok := e.State("c1")
	assert.False(t, ok)
	assert.False(t, e.Queued("c1"))

	require.NoError(t, e.Match("c2", nil, nil))
	e.Wait()
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c2"))
	assert.Empty(t, prov.pairs())
}

// ---------- Fairness tests ----------

func TestFairness_EarlierCompatibleRequestWins(t *testing.T) {
	prov := &stubProvisioner{}
	e, _ := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b", "c")

	require.NoError(t, e.Match("a", []string{"EASY"}, []string{"arrays"}))
	require.NoError(t, e.Match("b", []string{"MEDIUM"}, []string{"graphs"}))
	require.NoError(t, e.Match("c", nil, nil))
	e.Wait()

	pairs := prov.pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0][0].ConnID)
	assert.Equal(t, "c", pairs[0][1].ConnID)
	assert.True(t, e.Queued("b"))
}

func TestOverlapScorer_PicksBestTopicMatch(t *testing.T) {
	prov := &stubProvisioner{}
	e, _ := newTestEngine(t, DefaultConfig(), prov, WithScorer(OverlapScorer{}))
	open(t, e, "a", "b", "c")

	require.NoError(t, e.Match("a", nil, []string{"arrays"}))
	require.NoError(t, e.Match("b", nil, []string{"dp"}))
	require.NoError(t, e.Match("c", nil, []string{"arrays", "dp", "graphs"}))
	e.Wait()

	// a and b share nothing, so both wait; c overlaps each by one tag and the
	// tie goes to a.
	pairs := prov.pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0][0].ConnID)
	assert.Equal(t, "c", pairs[0][1].ConnID)
}

// ---------- State machine tests ----------

func TestMatch_WhileSearchingRejected(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig(), &stubProvisioner{})
	open(t, e, "c1")

	require.NoError(t, e.Match("c1", []string{"EASY"}, nil))
	err := e.Match("c1", []string{"HARD"}, nil)
	assert.ErrorIs(t, err, ErrAlreadySearching)

	assert.Equal(t, StateSearching, state(t, e, "c1"))
	snap := e.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []Difficulty{Easy}, snap[0].Criteria.Difficulties, "original request kept")
	assert.Equal(t, "Already searching", rec.last("c1").Title)
}

func TestMatch_AfterMatchedRejected(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig(), &stubProvisioner{})
	open(t, e, "c1", "c2")

	require.NoError(t, e.Match("c1", nil, nil))
	require.NoError(t, e.Match("c2", nil, nil))
	e.Wait()

	assert.ErrorIs(t, e.Match("c1", nil, nil), ErrAlreadyMatched)
	assert.Equal(t, "Already matched", rec.last("c1").Title)
	assert.Equal(t, StateMatched, state(t, e, "c1"))
	assert.Equal(t, 0, e.PoolSize())

	// Abort on a matched session changes nothing.
	require.NoError(t, e.Abort("c1"))
	assert.Equal(t, StateMatched, state(t, e, "c1"))
}

func TestMatch_InvalidCriteria(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig(), &stubProvisioner{}, WithTagSet(tagList{"arrays"}))
	open(t, e, "c1")

	err := e.Match("c1", []string{"IMPOSSIBLE"}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid criteria", rec.last("c1").Title)

	err = e.Match("c1", nil, []string{"sorting"})
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, StateIdle, state(t, e, "c1"))
	assert.Equal(t, 0, e.PoolSize())

	// The session stays usable.
	require.NoError(t, e.Match("c1", []string{"EASY"}, []string{"arrays"}))
	assert.Equal(t, "acknowledgement", rec.last("c1").Type)
}

func TestAbort_WhenIdleIsNoop(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig(), &stubProvisioner{})
	open(t, e, "c1")

	require.NoError(t, e.Abort("c1"))
	assert.Equal(t, StateIdle, state(t, e, "c1"))
	assert.Empty(t, rec.of("c1"))
}

func TestOpen_Duplicate(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), &stubProvisioner{})
	open(t, e, "c1")
	assert.ErrorIs(t, e.Open("c1", "someone"), ErrSessionExists)
	assert.ErrorIs(t, e.Match("ghost", nil, nil), ErrUnknownSession)
	assert.ErrorIs(t, e.Abort("ghost"), ErrUnknownSession)
	e.Close("ghost")
}

func TestSameUserTwoChannels(t *testing.T) {
	prov := &stubProvisioner{}
	e, _ := newTestEngine(t, DefaultConfig(), prov)
	require.NoError(t, e.Open("tab1", "alice"))
	require.NoError(t, e.Open("tab2", "alice"))

	require.NoError(t, e.Match("tab1", nil, nil))
	require.NoError(t, e.Match("tab2", nil, nil))
	e.Wait()

	// Only the channel identity is checked, so two tabs may pair.
	require.Len(t, prov.pairs(), 1)
}

// ---------- Rollback tests ----------

func TestRollback_RestoresOriginalOrder(t *testing.T) {
	prov := &stubProvisioner{results: []error{ErrNoQuestion}}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "x", "b")

	require.NoError(t, e.Match("a", []string{"EASY"}, nil))
	require.NoError(t, e.Match("x", []string{"HARD"}, nil))
	require.NoError(t, e.Match("b", []string{"EASY"}, nil))
	e.Wait()

	assert.Equal(t, []string{"a", "x", "b"}, conns(e.Snapshot()))
	for _, c := range []string{"a", "b"} {
		assert.NotContains(t, rec.types(c), "success")
		assert.Equal(t, "error", rec.last(c).Type)
	}
	// The failed pair is not retried on its own.
	assert.Len(t, prov.pairs(), 1)
}

func TestRollback_StoreErrorKeepsSearching(t *testing.T) {
	prov := &stubProvisioner{results: []error{errors.New("connection reset")}}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	e.Wait()

	for _, c := range []string{"a", "b"} {
		assert.Equal(t, "Room creation failed", rec.last(c).Title)
		assert.Equal(t, StateSearching, state(t, e, c))
	}
}

func TestRollback_Unrecoverable(t *testing.T) {
	prov := &stubProvisioner{results: []error{fmt.Errorf("%w: %w", ErrUnrecoverable, room.ErrClosed)}}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	e.Wait()

	for _, c := range []string{"a", "b"} {
		assert.Equal(t, "Matching unavailable", rec.last(c).Title)
		assert.Equal(t, StateIdle, state(t, e, c))
	}
	assert.Equal(t, 0, e.PoolSize())
}

func TestRollback_RestoredRequestPairsWithNewcomer(t *testing.T) {
	gate := make(chan struct{})
	prov := &stubProvisioner{results: []error{ErrNoQuestion}, gate: gate}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b", "c")

	require.NoError(t, e.Match("a", nil, []string{"arrays"}))
	require.NoError(t, e.Match("b", nil, []string{"arrays"}))
	assert.Equal(t, StatePairing, state(t, e, "a"))

	// c arrives mid-commit and only sees an empty pool.
	require.NoError(t, e.Match("c", nil, []string{"arrays"}))
	assert.Equal(t, []string{"acknowledgement"}, rec.types("c"))

	close(gate)
	e.Wait()

	pairs := prov.pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[1][0].ConnID)
	assert.Equal(t, "c", pairs[1][1].ConnID)
	assert.Equal(t, StateMatched, state(t, e, "a"))
	assert.Equal(t, StateMatched, state(t, e, "c"))
	assert.Equal(t, StateSearching, state(t, e, "b"))
}

// ---------- Cancellation during pairing tests ----------

func TestAbortDuringPairing_ThenRollback(t *testing.T) {
	gate := make(chan struct{})
	prov := &stubProvisioner{results: []error{ErrNoQuestion}, gate: gate}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))

	require.NoError(t, e.Abort("a"))
	assert.Equal(t, StatePairing, state(t, e, "a"), "abort waits for the commit outcome")

	close(gate)
	e.Wait()

	assert.Equal(t, StateIdle, state(t, e, "a"))
	assert.Equal(t, []string{"acknowledgement"}, rec.types("a"), "aborting party gets no error")
	assert.False(t, e.Queued("a"))

	assert.Equal(t, StateSearching, state(t, e, "b"))
	assert.Equal(t, "error", rec.last("b").Type)
	assert.True(t, e.Queued("b"))
}

func TestAbortDuringPairing_ThenSuccess(t *testing.T) {
	gate := make(chan struct{})
	prov := &stubProvisioner{gate: gate}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	require.NoError(t, e.Abort("a"))

	close(gate)
	e.Wait()

	assert.Equal(t, StateMatched, state(t, e, "a"))
	assert.Equal(t, "success", rec.last("a").Type)
	assert.Equal(t, "success", rec.last("b").Type)
}

func TestCloseDuringPairing_ThenRollback(t *testing.T) {
	gate := make(chan struct{})
	prov := &stubProvisioner{results: []error{ErrNoQuestion}, gate: gate}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	e.Close("b")

	close(gate)
	e.Wait()

	_, ok := e.State("b")
	assert.False(t, ok)
	assert.Empty(t, rec.of("b"), "closed party is not notified")
	assert.Equal(t, []string{"a"}, conns(e.Snapshot()))
	assert.Equal(t, "error", rec.last("a").Type)
}

func filter(types []string, want string) []string {
	out := []string{}
	for _, t := range types {
		if t == want {
			out = append(out, t)
		}
	}
	return out
}

// ---------- Expiry and capacity tests ----------

func TestExpire_RemovesStaleRequests(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := DefaultConfig()
	cfg.MaxWait = time.Minute
	e, rec := newTestEngine(t, cfg, &stubProvisioner{}, WithClock(clock))
	open(t, e, "old", "fresh")

	require.NoError(t, e.Match("old", []string{"EASY"}, nil))
	now = now.Add(50 * time.Second)
	require.NoError(t, e.Match("fresh", []string{"HARD"}, nil))

	assert.Equal(t, 1, e.Expire(now.Add(20*time.Second)))
	assert.Equal(t, StateIdle, state(t, e, "old"))
	assert.Equal(t, "Matching timed out", rec.last("old").Title)
	assert.True(t, e.Queued("fresh"))
}

func TestExpire_DisabledByDefault(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), &stubProvisioner{})
	open(t, e, "c1")
	require.NoError(t, e.Match("c1", nil, nil))
	assert.Equal(t, 0, e.Expire(time.Now().Add(24*time.Hour)))
	assert.True(t, e.Queued("c1"))
}

func TestMaxQueueSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 1
	e, rec := newTestEngine(t, cfg, &stubProvisioner{})
	open(t, e, "a", "b", "c")

	require.NoError(t, e.Match("a", []string{"EASY"}, nil))
	assert.ErrorIs(t, e.Match("b", []string{"HARD"}, nil), ErrQueueFull)
	assert.Equal(t, "Queue full", rec.last("b").Title)
	assert.Equal(t, StateIdle, state(t, e, "b"))
}

// ---------- Shutdown tests ----------

// stallingProvisioner never finishes on its own.
type stallingProvisioner struct{ started chan struct{} }

func (p stallingProvisioner) Provision(ctx context.Context, _, _ Request) (room.Room, error) {
	close(p.started)
	<-ctx.Done()
	return room.Room{}, ctx.Err()
}

func TestShutdown_WaitsForProvisioning(t *testing.T) {
	prov := &stubProvisioner{gate: make(chan struct{})}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")
	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))

	done := make(chan error, 1)
	go func() { done <- e.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while provisioning was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(prov.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateMatched, state(t, e, "a"))
	assert.Equal(t, "success", rec.last("b").Type)
}

func TestShutdown_DeadlineCancelsProvisioning(t *testing.T) {
	prov := stallingProvisioner{started: make(chan struct{})}
	e, rec := newTestEngine(t, DefaultConfig(), prov)
	open(t, e, "a", "b")
	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	<-prov.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	// The cancelled pairing rolled back: both wait again, never matched.
	assert.Equal(t, StateSearching, state(t, e, "a"))
	assert.Equal(t, StateSearching, state(t, e, "b"))
	assert.Equal(t, "error", rec.last("a").Type)
	assert.Equal(t, 2, e.PoolSize())
}

// ---------- Observer tests ----------

type stateLog struct {
	NopObserver
	mu     sync.Mutex
	states map[string][]State
	closed []string
}

func (l *stateLog) SessionState(connID, _ string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = make(map[string][]State)
	}
	l.states[connID] = append(l.states[connID], s)
}

func (l *stateLog) SessionClosed(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, connID)
}

func TestObserver_SeesTransitionsInOrder(t *testing.T) {
	obs := &stateLog{}
	e, _ := newTestEngine(t, DefaultConfig(), &stubProvisioner{}, WithObserver(obs))
	open(t, e, "a", "b")

	require.NoError(t, e.Match("a", nil, nil))
	require.NoError(t, e.Match("b", nil, nil))
	e.Wait()
	e.Close("a")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []State{StateIdle, StateSearching, StatePairing, StateMatched}, obs.states["a"])
	assert.Equal(t, []string{"a"}, obs.closed)
}

// ---------- Concurrency tests ----------

func TestConcurrentArrivalsAndDepartures(t *testing.T) {
	prov := &stubProvisioner{}
	e, rec := newTestEngine(t, DefaultConfig(), prov)

	diffs := [][]string{nil, {"EASY"}, {"MEDIUM"}, {"EASY", "HARD"}}
	tags := [][]string{nil, {"arrays"}, {"graphs"}, {"arrays", "dp"}}

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%03d", i)
			if err := e.Open(id, "user-"+id); err != nil {
				t.Error(err)
				return
			}
			_ = e.Match(id, diffs[i%len(diffs)], tags[(i/4)%len(tags)])
			switch rand.IntN(4) {
			case 0:
				_ = e.Abort(id)
			case 1:
				e.Close(id)
			}
		}(i)
	}
	wg.Wait()
	e.Wait()

	seen := make(map[string]bool)
	for _, p := range prov.pairs() {
		a, b := p[0], p[1]
		assert.NotEqual(t, a.ConnID, b.ConnID, "self pairing")
		assert.True(t, Compatible(a.Criteria, b.Criteria), "incompatible pair %s/%s", a.ConnID, b.ConnID)
		assert.Less(t, a.Seq, b.Seq)
		for _, c := range []string{a.ConnID, b.ConnID} {
			assert.False(t, seen[c], "%s committed twice", c)
			seen[c] = true
		}
	}

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%03d", i)
		successes := filter(rec.types(id), protocol.TypeSuccess)
		assert.LessOrEqual(t, len(successes), 1, "%s got %d successes", id, len(successes))
		if st, ok := e.State(id); ok && st == StateSearching {
			assert.True(t, e.Queued(id))
		} else {
			assert.False(t, e.Queued(id))
		}
	}

	// Whatever is left waiting is pairwise incompatible.
	snap := e.Snapshot()
	for i := range snap {
		for j := i + 1; j < len(snap); j++ {
			assert.False(t, Compatible(snap[i].Criteria, snap[j].Criteria),
				"%s and %s left waiting", snap[i].ConnID, snap[j].ConnID)
		}
	}
}
