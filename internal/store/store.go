// Package store defines the persistence interface for the execution engine.
// Each component (pool engine, router, issuer) owns one document that holds
// its full state; every commit atomically replaces that document and appends
// an entry to the component's journal.
//
// Implementations include SQLite (embedded default), PostgreSQL, a JSON file
// layout, Redis (read-through cache decorator), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document names one component's persisted state.
type Document string

const (
	DocPools  Document = "pools"
	DocRouter Document = "router"
	DocIssuer Document = "issuer"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Entry is one append-only journal record describing a committed mutation.
type Entry struct {
	ID        string          `json:"id"`
	Document  Document        `json:"document"`
	Kind      string          `json:"kind"` // e.g. "swap", "order_filled", "redeem"
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEntry builds a journal entry with a fresh ID and the JSON encoding of payload.
func NewEntry(doc Document, kind string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s journal payload: %w", kind, err)
	}
	return Entry{
		ID:        uuid.New().String(),
		Document:  doc,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Store is the persistence interface. Commit is the only write path and is
// all-or-nothing: either the document and its journal entry are both durable
// or neither is visible.
type Store interface {
	// Load decodes the latest committed document into dst. It reports false
	// when the document has never been committed.
	Load(ctx context.Context, doc Document, dst any) (bool, error)

	// Commit replaces the document with state and appends entry to its journal.
	Commit(ctx context.Context, doc Document, state any, entry Entry) error

	// Journal returns up to limit of the most recent entries for doc, oldest
	// first. limit <= 0 returns the whole journal.
	Journal(ctx context.Context, doc Document, limit int) ([]Entry, error)

	// Close releases the underlying storage handle.
	Close() error
}

func encodeState(doc Document, state any) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode %s document: %w", doc, err)
	}
	return data, nil
}

// tail returns the last limit entries of entries.
func tail(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
