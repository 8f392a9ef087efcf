// Package store persists chat documents in PostgreSQL. A document is stored
// in its on-disk representation, the pretty-printed transcript text.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("store: document not found")

// Document is a stored transcript with its bookkeeping columns.
type Document struct {
	ID        string
	Content   string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Postgres is the document store backed by a documents table.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: database DSN is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the handle for migrations.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Load returns the stored content of docID, or ErrNotFound.
func (p *Postgres) Load(ctx context.Context, docID string) (string, error) {
	var content string
	err := p.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE doc_id = $1`, docID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: load %s: %w", docID, err)
	}
	return content, nil
}

// Get returns the full row of docID, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, docID string) (*Document, error) {
	d := Document{ID: docID}
	err := p.db.QueryRowContext(ctx,
		`SELECT content, version, created_at, updated_at FROM documents WHERE doc_id = $1`, docID,
	).Scan(&d.Content, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", docID, err)
	}
	return &d, nil
}

// Save inserts or replaces the content of docID and bumps its version.
func (p *Postgres) Save(ctx context.Context, docID, content string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (doc_id, content) VALUES ($1, $2)
		ON CONFLICT (doc_id) DO UPDATE
		SET content = EXCLUDED.content,
		    version = documents.version + 1,
		    updated_at = now()`,
		docID, content,
	)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", docID, err)
	}
	return nil
}

// Delete removes docID. Deleting a missing document returns ErrNotFound.
func (p *Postgres) Delete(ctx context.Context, docID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = $1`, docID)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", docID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
