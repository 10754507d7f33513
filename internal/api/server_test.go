package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerprep/matching/internal/auth"
	"github.com/peerprep/matching/internal/question"
	"github.com/peerprep/matching/internal/ratelimit"
	"github.com/peerprep/matching/internal/room"
)

type fakeTransport struct{ upgrades int }

func (f *fakeTransport) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	f.upgrades++
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeTransport) ConnectionCount() int { return 3 }

type fakeStats struct{}

func (fakeStats) PoolSize() int { return 2 }
func (fakeStats) Sessions() int { return 5 }

type denyLimiter struct{ seen []string }

func (d *denyLimiter) Allow(_ context.Context, id string, rule ratelimit.Rule) (bool, error) {
	d.seen = append(d.seen, rule.Key+id)
	return false, nil
}

type fixture struct {
	srv       *Server
	transport *fakeTransport
	rooms     *room.MemoryStore
	verifier  *auth.Verifier
}

func newFixture(t *testing.T, limiter Limiter, opts ...func(*Deps)) *fixture {
	t.Helper()
	catalog, err := question.NewStaticCatalog([]question.Question{
		{ID: "two-sum", Title: "Two Sum", Difficulty: "EASY", Tags: []string{"arrays"}},
	})
	require.NoError(t, err)

	f := &fixture{
		transport: &fakeTransport{},
		rooms:     room.NewMemoryStore(),
		verifier:  auth.NewVerifier("secret"),
	}
	deps := Deps{
		Transport: f.transport,
		Engine:    fakeStats{},
		Rooms:     f.rooms,
		Catalog:   catalog,
		Verifier:  f.verifier,
		Limiter:   limiter,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.srv = NewServer(deps, []string{"http://localhost:3000"})
	return f
}

func (f *fixture) get(t *testing.T, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, httptest.NewRequest("GET", path, nil), user)
}

func (f *fixture) do(t *testing.T, req *http.Request, user string) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		token, err := f.verifier.Issue(user, "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	decode(t, rec, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Connections)
	assert.Equal(t, 5, body.Sessions)
	assert.Equal(t, 2, body.Queue)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get(t, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "matching_queue_size")
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.get(t, "/ws", "")
	assert.Equal(t, 1, f.transport.upgrades)
}

func TestWebSocketRoute_RateLimited(t *testing.T) {
	limiter := &denyLimiter{}
	f := newFixture(t, limiter)

	rec := f.get(t, "/ws", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 0, f.transport.upgrades)
	require.Len(t, limiter.seen, 1)
	assert.Equal(t, "rl:conn:192.0.2.1", limiter.seen[0])
}

func TestWebSocketRoute_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	limiter := &denyLimiter{}
	f := newFixture(t, limiter)

	for _, spoofed := range []string{"10.9.9.0", "10.9.9.1", "10.9.9.2"} {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-IP", spoofed)
		f.do(t, req, "")
	}
	assert.Equal(t, []string{"rl:conn:192.0.2.1", "rl:conn:192.0.2.1", "rl:conn:192.0.2.1"}, limiter.seen)
}

func TestWebSocketRoute_ForwardedForFromTrustedProxy(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	limiter := &denyLimiter{}
	f := newFixture(t, limiter, func(d *Deps) { d.TrustedProxies = proxies })

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.1")
	f.do(t, req, "")
	assert.Equal(t, []string{"rl:conn:203.0.113.9"}, limiter.seen)
}

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.7 ", "::1", ""})
	require.NoError(t, err)
	require.Len(t, nets, 3)
	assert.Equal(t, "10.0.0.0/8", nets[0].String())
	assert.Equal(t, "192.0.2.7/32", nets[1].String())
	assert.Equal(t, "::1/128", nets[2].String())

	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestGetRoom(t *testing.T) {
	f := newFixture(t, nil)
	r := room.Room{ID: "room-1", UserIDs: [2]string{"alice", "bob"}, QuestionID: "two-sum", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.rooms.Create(context.Background(), r))

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/rooms/room-1", "").Code)

	rec := f.get(t, "/rooms/room-1", "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct{ Data room.Room }
	decode(t, rec, &body)
	assert.Equal(t, "room-1", body.Data.ID)
	assert.Equal(t, r.UserIDs, body.Data.UserIDs)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/rooms/room-1", "mallory").Code, "outsiders see nothing")

	rec = f.get(t, "/rooms/missing", "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errBody errorResponse
	decode(t, rec, &errBody)
	assert.Equal(t, "room not found", errBody.Error)
}

func TestGetRoom_MalformedIDOnPostgres(t *testing.T) {
	// The id never reaches the database, so a nil handle is enough.
	f := newFixture(t, nil, func(d *Deps) { d.Rooms = room.NewPostgresStore(nil) })

	rec := f.get(t, "/rooms/not-a-uuid", "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUserRooms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, f.rooms.Create(ctx, room.Room{ID: "r1", UserIDs: [2]string{"alice", "bob"}, QuestionID: "two-sum", CreatedAt: base}))
	require.NoError(t, f.rooms.Create(ctx, room.Room{ID: "r2", UserIDs: [2]string{"carol", "alice"}, QuestionID: "retired", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, f.rooms.Create(ctx, room.Room{ID: "r3", UserIDs: [2]string{"carol", "dave"}, QuestionID: "two-sum", CreatedAt: base}))

	rec := f.get(t, "/users/alice/rooms", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct{ Data []room.Summary }
	decode(t, rec, &body)
	require.Len(t, body.Data, 2)

	assert.Equal(t, "r2", body.Data[0].RoomID, "newest first")
	assert.Equal(t, "carol", body.Data[0].PartnerID)
	assert.Empty(t, body.Data[0].QuestionTitle, "unknown question leaves title empty")

	assert.Equal(t, "r1", body.Data[1].RoomID)
	assert.Equal(t, "bob", body.Data[1].PartnerID)
	assert.Equal(t, "Two Sum", body.Data[1].QuestionTitle)
	assert.Equal(t, "EASY", body.Data[1].QuestionDifficulty)

	rec = f.get(t, "/users/me/rooms?limit=1", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Len(t, body.Data, 1)

	assert.Equal(t, http.StatusForbidden, f.get(t, "/users/alice/rooms", "bob").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/users/alice/rooms?limit=zero", "alice").Code)
}
