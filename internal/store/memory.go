package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Documents are held in their encoded form so Load always returns a deep
// copy and exercises the same JSON round trip as the durable stores.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[Document][]byte
	journal map[Document][]Entry
	closed  bool
	failErr error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[Document][]byte),
		journal: make(map[Document][]Entry),
	}
}

func (s *MemoryStore) Load(_ context.Context, doc Document, dst any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	data, ok := s.docs[doc]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (s *MemoryStore) Commit(_ context.Context, doc Document, state any, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.failErr != nil {
		return s.failErr
	}
	data, err := encodeState(doc, state)
	if err != nil {
		return err
	}
	s.docs[doc] = data
	s.journal[doc] = append(s.journal[doc], entry)
	return nil
}

// FailCommits makes every subsequent Commit return err; nil restores normal
// behaviour. Tests use it to check that components leave state untouched
// when a write fails.
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryStore) Journal(_ context.Context, doc Document, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return tail(s.journal[doc], limit), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
