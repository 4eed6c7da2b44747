package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	room_id    TEXT PRIMARY KEY,
	content    TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const documentColumns = `room_id, content, version, created_by, created_at, updated_at`

// Postgres is a Store backed by a PostgreSQL documents table. It is the
// store to use when several server instances share rooms.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and makes sure the documents table
// exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating documents table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	err := row.Scan(&doc.RoomID, &doc.Content, &doc.Version, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *Postgres) GetDocument(ctx context.Context, roomID string) (*Document, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE room_id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return doc, err
}

func (p *Postgres) CreateDocument(ctx context.Context, roomID, content, authorID string) (*Document, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx,
		`INSERT INTO documents (room_id, content, version, created_by)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (room_id) DO NOTHING
		 RETURNING `+documentColumns, roomID, content, authorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrExists)
	}
	return doc, err
}

func (p *Postgres) UpdateDocument(ctx context.Context, roomID, content string, version int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET content = $2, version = $3, updated_at = now() WHERE room_id = $1`,
		roomID, content, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, roomID, content string, expectedVersion int) (*Document, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx,
		`UPDATE documents SET content = $2, version = version + 1, updated_at = now()
		 WHERE room_id = $1 AND version = $3
		 RETURNING `+documentColumns, roomID, content, expectedVersion))
	if !errors.Is(err, pgx.ErrNoRows) {
		return doc, err
	}
	// Nothing matched: either the room is gone or someone else committed.
	if _, err := p.GetDocument(ctx, roomID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("room %q, expected version %d: %w", roomID, expectedVersion, ErrVersionConflict)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
