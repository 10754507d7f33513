package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists rooms in the rooms table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a room store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a room. Both participants must be set.
func (s *PostgresStore) Create(ctx context.Context, r Room) error {
	if r.ID == "" || r.UserIDs[0] == "" || r.UserIDs[1] == "" || r.QuestionID == "" {
		return fmt.Errorf("room: insert: incomplete room %+v", r)
	}

	const query = `
		INSERT INTO rooms (id, user_ids, question_id, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		pq.Array(r.UserIDs[:]),
		r.QuestionID,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("room: insert: %w", classify(err))
	}
	return nil
}

// Get returns the room with the given id. Ids that are not UUIDs cannot
// exist in the table and report ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (Room, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Room{}, ErrNotFound
	}

	const query = `
		SELECT id, user_ids, question_id, created_at
		FROM rooms
		WHERE id = $1`

	r, err := scanRoom(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("room: get: %w", classify(err))
	}
	return r, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, user_ids, question_id, created_at
		FROM rooms
		WHERE $1 = ANY(user_ids)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("room: list by user: %w", classify(err))
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("room: list by user: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: list by user: %w", classify(err))
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var (
		r   Room
		ids []string
	)
	if err := row.Scan(&r.ID, pq.Array(&ids), &r.QuestionID, &r.CreatedAt); err != nil {
		return Room{}, err
	}
	if len(ids) != 2 {
		return Room{}, fmt.Errorf("room %s has %d participants", r.ID, len(ids))
	}
	copy(r.UserIDs[:], ids)
	return r, nil
}

// classify maps a closed handle to ErrClosed, keeping the original error in
// the chain.
func classify(err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
