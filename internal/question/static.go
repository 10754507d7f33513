package question

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout of a static catalog.
type catalogFile struct {
	Questions []Question `yaml:"questions"`
}

// StaticCatalog serves a fixed set of questions loaded from YAML.
type StaticCatalog struct {
	questions []Question
	byID      map[string]Question
}

// NewStaticCatalog builds a catalog from questions. Ids must be unique.
func NewStaticCatalog(questions []Question) (*StaticCatalog, error) {
	c := &StaticCatalog{byID: make(map[string]Question, len(questions))}
	for _, q := range questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question: entry %q has no id", q.Title)
		}
		if _, dup := c.byID[q.ID]; dup {
			return nil, fmt.Errorf("question: duplicate id %q", q.ID)
		}
		c.byID[q.ID] = q
		c.questions = append(c.questions, q)
	}
	return c, nil
}

// ParseStaticCatalog decodes a YAML document of the form
//
//	questions:
//	  - id: two-sum
//	    title: Two Sum
//	    difficulty: EASY
//	    tags: [arrays, hash-table]
func ParseStaticCatalog(data []byte) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("question: parse catalog: %w", err)
	}
	return NewStaticCatalog(f.Questions)
}

// LoadStaticCatalog reads a YAML catalog file.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("question: read catalog: %w", err)
	}
	return ParseStaticCatalog(data)
}

func (c *StaticCatalog) Find(_ context.Context, difficulties, tags []string) ([]string, error) {
	var ids []string
	for _, q := range c.questions {
		if Matches(q, difficulties, tags) {
			ids = append(ids, q.ID)
		}
	}
	return ids, nil
}

func (c *StaticCatalog) Lookup(_ context.Context, ids []string) (map[string]Question, error) {
	out := make(map[string]Question, len(ids))
	for _, id := range ids {
		if q, ok := c.byID[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (c *StaticCatalog) Tags(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var tags []string
	for _, q := range c.questions {
		for _, t := range q.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	sort.Strings(tags)
	return tags, nil
}
