package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS room_documents (
	room_id        TEXT NOT NULL,
	node_id        TEXT NOT NULL,
	name           TEXT NOT NULL,
	language       TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL DEFAULT '',
	author_user_id TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (room_id, node_id)
)`

const upsertDocument = `
INSERT INTO room_documents (room_id, node_id, name, language, content, author_user_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (room_id, node_id) DO UPDATE SET
	name = EXCLUDED.name,
	language = EXCLUDED.language,
	content = EXCLUDED.content,
	author_user_id = EXCLUDED.author_user_id,
	updated_at = EXCLUDED.updated_at`

const deleteDocument = `DELETE FROM room_documents WHERE room_id = $1 AND node_id = $2`

// PostgresSink keeps the latest content of every file in a table, one row
// per (room, node).
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to databaseURL and makes sure the table exists.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, documentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create room_documents: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Persist(ctx context.Context, doc Document) error {
	if doc.Deleted {
		if _, err := s.pool.Exec(ctx, deleteDocument, doc.RoomID, doc.NodeID); err != nil {
			return fmt.Errorf("delete document %s/%s: %w", doc.RoomID, doc.NodeID, err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, upsertDocument,
		doc.RoomID, doc.NodeID, doc.Name, doc.Language, doc.Content, doc.AuthorUserID, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", doc.RoomID, doc.NodeID, err)
	}
	return nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
