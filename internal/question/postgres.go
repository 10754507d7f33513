package question

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresCatalog reads the questions table owned by the question service:
//
//	questions(id TEXT, title TEXT, difficulty TEXT, tags TEXT[])
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) Find(ctx context.Context, difficulties, tags []string) ([]string, error) {
	const query = `
		SELECT id
		FROM questions
		WHERE (cardinality($1::text[]) = 0 OR difficulty = ANY($1::text[]))
		  AND (cardinality($2::text[]) = 0 OR tags && $2::text[])
		ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query, pq.Array(nonNil(difficulties)), pq.Array(nonNil(tags)))
	if err != nil {
		return nil, fmt.Errorf("question: find: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("question: find: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("question: find: %w", err)
	}
	return ids, nil
}

func (c *PostgresCatalog) Lookup(ctx context.Context, ids []string) (map[string]Question, error) {
	out := make(map[string]Question, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	const query = `
		SELECT id, title, difficulty, tags
		FROM questions
		WHERE id = ANY($1::text[])`

	rows, err := c.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("question: lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.Title, &q.Difficulty, pq.Array(&q.Tags)); err != nil {
			return nil, fmt.Errorf("question: lookup: %w", err)
		}
		out[q.ID] = q
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("question: lookup: %w", err)
	}
	return out, nil
}

func (c *PostgresCatalog) Tags(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT unnest(tags) AS tag FROM questions ORDER BY tag`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("question: tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("question: tags: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// nonNil makes pq encode an empty array rather than NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
