// Package question is the read-only view of the question catalog used to
// pick a question for each pairing.
package question

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a question id is unknown.
var ErrNotFound = errors.New("question: not found")

// Question is one catalog entry.
type Question struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Difficulty string   `json:"difficulty" yaml:"difficulty"`
	Tags       []string `json:"tags" yaml:"tags"`
}

// Catalog answers the queries the matching service needs.
type Catalog interface {
	// Find returns the ids of questions whose difficulty is in difficulties
	// and which carry at least one of tags. An empty filter matches all.
	Find(ctx context.Context, difficulties, tags []string) ([]string, error)

	// Lookup returns the questions for the given ids; unknown ids are omitted.
	Lookup(ctx context.Context, ids []string) (map[string]Question, error)

	// Tags returns every distinct tag in the catalog.
	Tags(ctx context.Context) ([]string, error)
}

// Matches reports whether q satisfies the filter used by Find.
func Matches(q Question, difficulties, tags []string) bool {
	if len(difficulties) > 0 && !contains(difficulties, q.Difficulty) {
		return false
	}
	if len(tags) == 0 {
		return true
	}
	for _, t := range q.Tags {
		if contains(tags, t) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
