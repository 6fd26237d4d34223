package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Commits
// go to the primary store first and then refresh the cached document. Cached
// documents carry the ID of the journal entry they were committed with, and
// reads only trust them while that ID is still the primary's journal head.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// cachedDoc is the Redis value for one document.
type cachedDoc struct {
	EntryID string          `json:"entry_id"`
	State   json.RawMessage `json:"state"`
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) Commit(ctx context.Context, doc Document, state any, entry Entry) error {
	if err := s.primary.Commit(ctx, doc, state, entry); err != nil {
		return err
	}
	data, err := encodeState(doc, state)
	if err == nil {
		err = s.cache(ctx, doc, entry.ID, data)
	}
	if err != nil {
		slog.Warn("redis cache refresh failed", "document", doc, "err", err)
		if derr := s.rdb.Del(ctx, documentKey(doc)).Err(); derr != nil {
			// The stale entry stays in Redis; Load rejects it by entry ID.
			slog.Error("redis cache invalidation failed", "document", doc, "err", derr)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Load(ctx context.Context, doc Document, dst any) (bool, error) {
	head, herr := s.primary.Journal(ctx, doc, 1)
	if herr == nil && len(head) == 1 {
		if s.loadCached(ctx, doc, head[0].ID, dst) {
			return true, nil
		}
	}

	// Cache miss or stale entry: read from primary.
	found, err := s.primary.Load(ctx, doc, dst)
	if err != nil || !found {
		return found, err
	}
	if herr == nil && len(head) == 1 {
		if data, err := json.Marshal(dst); err == nil {
			if err := s.cache(ctx, doc, head[0].ID, data); err != nil {
				slog.Warn("redis cache fill failed", "document", doc, "err", err)
			}
		}
	}
	return true, nil
}

func (s *CachedStore) loadCached(ctx context.Context, doc Document, entryID string, dst any) bool {
	raw, err := s.rdb.Get(ctx, documentKey(doc)).Bytes()
	if err != nil {
		return false
	}
	var c cachedDoc
	if json.Unmarshal(raw, &c) != nil || c.EntryID != entryID {
		return false
	}
	return json.Unmarshal(c.State, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, doc Document, entryID string, state []byte) error {
	data, err := json.Marshal(cachedDoc{EntryID: entryID, State: state})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, documentKey(doc), data, s.ttl).Err()
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Journal(ctx context.Context, doc Document, limit int) ([]Entry, error) {
	return s.primary.Journal(ctx, doc, limit)
}

// Close closes the primary store. The Redis client is owned by the caller.
func (s *CachedStore) Close() error {
	return s.primary.Close()
}

func documentKey(doc Document) string { return fmt.Sprintf("engine:document:%s", doc) }
