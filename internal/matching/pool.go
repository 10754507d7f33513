package matching

import (
	"fmt"
	"sort"
	"time"
)

// Request is one waiting client's matchmaking intent.
type Request struct {
	ConnID     string
	UserID     string
	Criteria   Criteria
	Seq        uint64    // ordering key, strictly increasing per engine
	EnqueuedAt time.Time // wall-clock arrival, used for wait time and expiry
}

// Pool holds the waiting requests ordered by Seq, oldest first. It is not
// safe for concurrent use; the Engine serializes access.
type Pool struct {
	entries []*Request
	byConn  map[string]*Request

	// failed records pairs whose provisioning was rolled back, keyed by both
	// connection ids, so the same pair is not re-committed while both wait.
	failed map[string]map[string]struct{}
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		byConn: make(map[string]*Request),
		failed: make(map[string]map[string]struct{}),
	}
}

// Len returns the number of waiting requests.
func (p *Pool) Len() int {
	return len(p.entries)
}

// Get returns the waiting request owned by connID, or nil.
func (p *Pool) Get(connID string) *Request {
	return p.byConn[connID]
}

// At returns the i-th oldest request.
func (p *Pool) At(i int) *Request {
	return p.entries[i]
}

// Insert places r at its Seq position. A fresh request has the highest Seq
// and lands at the tail; a restored one returns to its original slot.
// Inserting a connection that is already waiting is a programming error.
func (p *Pool) Insert(r *Request) {
	if _, dup := p.byConn[r.ConnID]; dup {
		panic(fmt.Sprintf("matching: connection %s already in pool", r.ConnID))
	}

	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Seq >= r.Seq
	})
	if i < len(p.entries) && p.entries[i].Seq == r.Seq {
		panic(fmt.Sprintf("matching: sequence %d already in pool", r.Seq))
	}

	p.entries = append(p.entries, nil)
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = r
	p.byConn[r.ConnID] = r
}

// Remove deletes the request owned by connID and forgets any failed pairs it
// was part of. It returns the removed request, or nil if none was waiting.
func (p *Pool) Remove(connID string) *Request {
	r, ok := p.byConn[connID]
	if !ok {
		return nil
	}
	delete(p.byConn, connID)

	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Seq >= r.Seq
	})
	copy(p.entries[i:], p.entries[i+1:])
	p.entries[len(p.entries)-1] = nil
	p.entries = p.entries[:len(p.entries)-1]

	for peer := range p.failed[connID] {
		delete(p.failed[peer], connID)
		if len(p.failed[peer]) == 0 {
			delete(p.failed, peer)
		}
	}
	delete(p.failed, connID)

	return r
}

// MarkFailed excludes the pair (a, b) from future pairing while both remain
// in the pool.
func (p *Pool) MarkFailed(a, b string) {
	for _, k := range [2][2]string{{a, b}, {b, a}} {
		if p.failed[k[0]] == nil {
			p.failed[k[0]] = make(map[string]struct{})
		}
		p.failed[k[0]][k[1]] = struct{}{}
	}
}

// Excluded reports whether the pair (a, b) previously failed provisioning.
func (p *Pool) Excluded(a, b string) bool {
	_, ok := p.failed[a][b]
	return ok
}

// FindPartner scans the pool oldest first and returns the best eligible
// partner for r under scorer, or nil. A candidate must be compatible, owned
// by a different connection, and not excluded. Only a strictly higher score
// displaces an earlier candidate, so ties go to the longest waiting.
func (p *Pool) FindPartner(r *Request, scorer Scorer) *Request {
	var (
		best      *Request
		bestScore int
	)
	for _, c := range p.entries {
		if c.ConnID == r.ConnID || p.Excluded(r.ConnID, c.ConnID) {
			continue
		}
		if !Compatible(r.Criteria, c.Criteria) {
			continue
		}
		score := scorer.Score(r, c)
		if best == nil || score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// WaitingSince returns, oldest first, the requests enqueued before cutoff.
func (p *Pool) WaitingSince(cutoff time.Time) []*Request {
	var out []*Request
	for _, r := range p.entries {
		if r.EnqueuedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// Snapshot copies the pool contents, oldest first.
func (p *Pool) Snapshot() []Request {
	out := make([]Request, len(p.entries))
	for i, r := range p.entries {
		out[i] = *r
	}
	return out
}
