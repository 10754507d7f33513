package matching

import "fmt"

// Scorer ranks a compatible candidate for a request. Higher is better; the
// pool breaks ties by enqueue order.
type Scorer interface {
	Score(r, candidate *Request) int
}

// FIFOScorer scores every compatible candidate equally, so the oldest wins.
type FIFOScorer struct{}

func (FIFOScorer) Score(_, _ *Request) int { return 0 }

// OverlapScorer prefers the candidate sharing the most topic tags, then the
// most difficulties. An empty set shares nothing, so explicit overlap beats
// an "any" wildcard.
type OverlapScorer struct{}

func (OverlapScorer) Score(r, candidate *Request) int {
	tags := countShared(r.Criteria.Tags, candidate.Criteria.Tags)
	diffs := countShared(r.Criteria.Difficulties, candidate.Criteria.Difficulties)
	return tags*4 + diffs
}

// NewScorer resolves a scorer by its configuration name.
func NewScorer(name string) (Scorer, error) {
	switch name {
	case "", "fifo":
		return FIFOScorer{}, nil
	case "overlap":
		return OverlapScorer{}, nil
	default:
		return nil, fmt.Errorf("matching: unknown scorer %q", name)
	}
}
