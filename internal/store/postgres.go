package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Document bodies are stored as TEXT rather than JSONB so they come back
// byte-for-byte as written.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. Call EnsureSchema
// once before first use.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the document and journal tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS engine_documents (
			name       TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS engine_journal (
			seq      BIGSERIAL PRIMARY KEY,
			id       TEXT NOT NULL UNIQUE,
			document TEXT NOT NULL,
			kind     TEXT NOT NULL,
			payload  TEXT NOT NULL,
			ts       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS engine_journal_document_seq ON engine_journal (document, seq);`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, doc Document, dst any) (bool, error) {
	var body string
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM engine_documents WHERE name = $1`, string(doc)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s document: %w", doc, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return false, fmt.Errorf("decode %s document: %w", doc, err)
	}
	return true, nil
}

func (s *PostgresStore) Commit(ctx context.Context, doc Document, state any, entry Entry) error {
	data, err := encodeState(doc, state)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO engine_documents (name, body, updated_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
			string(doc), string(data), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("write %s document: %w", doc, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO engine_journal (id, document, kind, payload, ts)
			 VALUES ($1, $2, $3, $4, $5)`,
			entry.ID, string(doc), entry.Kind, payloadText(entry.Payload), entry.Timestamp,
		); err != nil {
			return fmt.Errorf("append %s journal: %w", doc, err)
		}
		return nil
	})
}

func (s *PostgresStore) Journal(ctx context.Context, doc Document, limit int) ([]Entry, error) {
	query := `SELECT id, document, kind, payload, ts FROM engine_journal
	          WHERE document = $1 ORDER BY seq DESC`
	args := []any{string(doc)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s journal: %w", doc, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var document, payload string
		if err := rows.Scan(&e.ID, &document, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Document = Document(document)
		e.Payload = json.RawMessage(payload)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(entries)
	return entries, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
