package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on an embedded SQLite database. Documents and
// journal entries share one transaction per commit.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// mode and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writers anyway and this keeps
	// busy errors out of the commit path.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			document TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS journal_document_seq ON journal (document, seq);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, doc Document, dst any) (bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM documents WHERE name = ?", string(doc)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) Commit(ctx context.Context, doc Document, state any, entry Entry) error {
	data, err := encodeState(doc, state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s commit: %w", doc, err)
	}
	defer tx.Rollback() // no-op after Commit

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at",
		string(doc), string(data), now,
	); err != nil {
		return fmt.Errorf("write %s document: %w", doc, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO journal (id, document, kind, payload, ts) VALUES (?, ?, ?, ?, ?)",
		entry.ID, string(doc), entry.Kind, payloadText(entry.Payload), entry.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("append %s journal: %w", doc, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Journal(ctx context.Context, doc Document, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document, kind, payload, ts FROM journal WHERE document = ? ORDER BY seq DESC LIMIT ?",
		string(doc), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s journal: %w", doc, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var document, payload string
		var ts int64
		if err := rows.Scan(&e.ID, &document, &e.Kind, &payload, &ts); err != nil {
			return nil, err
		}
		e.Document = Document(document)
		e.Payload = json.RawMessage(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(entries)
	return entries, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
