package matching

import (
	"fmt"
	"sort"
	"strings"
)

// Difficulty is a question difficulty level as it appears on the wire.
type Difficulty string

const (
	Easy   Difficulty = "EASY"
	Medium Difficulty = "MEDIUM"
	Hard   Difficulty = "HARD"
)

// maxTagLength bounds a single topic tag.
const maxTagLength = 64

var difficultyRank = map[Difficulty]int{Easy: 0, Medium: 1, Hard: 2}

// ParseDifficulty accepts exactly one of EASY, MEDIUM or HARD.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(s)
	if _, ok := difficultyRank[d]; !ok {
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
	return d, nil
}

// Criteria is a requester's acceptable difficulties and topic tags. Both are
// sorted, deduplicated sets; an empty set means "any".
type Criteria struct {
	Difficulties []Difficulty `json:"difficulties"`
	Tags         []string     `json:"tags"`
}

// ValidationError describes a malformed match request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TagSet reports whether a topic tag is recognized.
type TagSet interface {
	Known(tag string) bool
}

// NewCriteria validates and normalizes raw criteria from a client. When known
// is nil any non-blank tag is accepted.
func NewCriteria(difficulties, tags []string, known TagSet) (Criteria, error) {
	var c Criteria

	seenDiff := make(map[Difficulty]bool, len(difficulties))
	for _, raw := range difficulties {
		d, err := ParseDifficulty(raw)
		if err != nil {
			return Criteria{}, &ValidationError{Field: "difficulties", Message: err.Error()}
		}
		if seenDiff[d] {
			continue
		}
		seenDiff[d] = true
		c.Difficulties = append(c.Difficulties, d)
	}
	sort.Slice(c.Difficulties, func(i, j int) bool {
		return difficultyRank[c.Difficulties[i]] < difficultyRank[c.Difficulties[j]]
	})

	seenTag := make(map[string]bool, len(tags))
	for _, raw := range tags {
		tag := strings.TrimSpace(raw)
		switch {
		case tag == "":
			return Criteria{}, &ValidationError{Field: "tags", Message: "blank tag"}
		case len(tag) > maxTagLength:
			return Criteria{}, &ValidationError{Field: "tags", Message: fmt.Sprintf("tag %q is too long", tag)}
		case known != nil && !known.Known(tag):
			return Criteria{}, &ValidationError{Field: "tags", Message: fmt.Sprintf("unknown tag %q", tag)}
		}
		if seenTag[tag] {
			continue
		}
		seenTag[tag] = true
		c.Tags = append(c.Tags, tag)
	}
	sort.Strings(c.Tags)

	return c, nil
}

// Compatible reports whether two criteria can be paired: each dimension is
// compatible when either side is empty or the sets intersect.
func Compatible(a, b Criteria) bool {
	return anyDifficulty(a.Difficulties, b.Difficulties) && anyTag(a.Tags, b.Tags)
}

// Intersect returns the criteria acceptable to both sides, treating an empty
// set as "all". The result is empty in a dimension only when both inputs are.
func (c Criteria) Intersect(o Criteria) Criteria {
	return Criteria{
		Difficulties: intersect(c.Difficulties, o.Difficulties),
		Tags:         intersect(c.Tags, o.Tags),
	}
}

// DifficultyStrings returns the difficulties as plain strings.
func (c Criteria) DifficultyStrings() []string {
	out := make([]string, len(c.Difficulties))
	for i, d := range c.Difficulties {
		out[i] = string(d)
	}
	return out
}

func anyDifficulty(a, b []Difficulty) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	return countShared(a, b) > 0
}

func anyTag(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	return countShared(a, b) > 0
}

func countShared[T comparable](a, b []T) int {
	set := make(map[T]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	n := 0
	for _, v := range b {
		if _, ok := set[v]; ok {
			n++
		}
	}
	return n
}

func intersect[T comparable](a, b []T) []T {
	switch {
	case len(a) == 0:
		return append([]T(nil), b...)
	case len(b) == 0:
		return append([]T(nil), a...)
	}
	set := make(map[T]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []T
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
