package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type testDoc struct {
	Pairs []testPair      `json:"pairs"`
	Total decimal.Decimal `json:"total"`
}

type testPair struct {
	Key   string          `json:"key"`
	Value decimal.Decimal `json:"value"`
}

func newTestDoc(total string) testDoc {
	return testDoc{
		Pairs: []testPair{
			{Key: "BTC/USDC", Value: decimal.RequireFromString("0.000000000000000001")},
			{Key: "ETH/USDC", Value: decimal.RequireFromString("48000.123456789012345678")},
		},
		Total: decimal.RequireFromString(total),
	}
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var empty testDoc
	found, err := s.Load(ctx, DocPools, &empty)
	if err != nil || found {
		t.Fatalf("load before commit: found=%v err=%v", found, err)
	}
	if entries, err := s.Journal(ctx, DocPools, 0); err != nil || len(entries) != 0 {
		t.Fatalf("empty journal: %v %v", entries, err)
	}

	for i, total := range []string{"1", "2", "3"} {
		entry, err := NewEntry(DocPools, "swap", map[string]int{"n": i})
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Commit(ctx, DocPools, newTestDoc(total), entry); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	var got testDoc
	found, err = s.Load(ctx, DocPools, &got)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	want := newTestDoc("3")
	if !got.Total.Equal(want.Total) || len(got.Pairs) != 2 {
		t.Fatalf("document = %+v", got)
	}
	for i := range want.Pairs {
		if got.Pairs[i].Key != want.Pairs[i].Key || !got.Pairs[i].Value.Equal(want.Pairs[i].Value) {
			t.Errorf("pair %d = %+v, want %+v", i, got.Pairs[i], want.Pairs[i])
		}
	}

	all, err := s.Journal(ctx, DocPools, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("journal: %d entries, err=%v", len(all), err)
	}
	if string(all[0].Payload) != `{"n":0}` || string(all[2].Payload) != `{"n":2}` {
		t.Errorf("journal order: %s ... %s", all[0].Payload, all[2].Payload)
	}
	last, _ := s.Journal(ctx, DocPools, 2)
	if len(last) != 2 || last[1].ID != all[2].ID {
		t.Errorf("limited journal = %+v", last)
	}

	// Documents are independent.
	var other testDoc
	if found, _ := s.Load(ctx, DocIssuer, &other); found {
		t.Error("issuer document should not exist")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	s.FailCommits(errors.New("boom"))
	entry, _ := NewEntry(DocPools, "swap", nil)
	if err := s.Commit(context.Background(), DocPools, newTestDoc("9"), entry); err == nil {
		t.Error("expected injected failure")
	}
	var got testDoc
	s.Load(context.Background(), DocPools, &got)
	if !got.Total.Equal(decimal.NewFromInt(3)) {
		t.Errorf("failed commit changed document: %s", got.Total)
	}

	s.Close()
	if _, err := s.Load(context.Background(), DocPools, &got); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
	s.Close()

	reopened, _ := NewFileStore(dir)
	var got testDoc
	if found, err := reopened.Load(context.Background(), DocPools, &got); !found || err != nil {
		t.Fatalf("reopen: found=%v err=%v", found, err)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp-*")); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFileStore_FailedJournalLeavesDocumentUnchanged(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	ctx := context.Background()

	if err := os.Mkdir(s.journalPath(DocPools), 0o755); err != nil {
		t.Fatal(err)
	}
	entry, _ := NewEntry(DocPools, "swap", nil)
	if err := s.Commit(ctx, DocPools, newTestDoc("42"), entry); err == nil {
		t.Fatal("expected journal failure")
	}
	var got testDoc
	if found, err := s.Load(ctx, DocPools, &got); found || err != nil {
		t.Errorf("failed commit is visible: found=%v err=%v doc=%+v", found, err, got)
	}
}

func TestFileStore_FailedDocumentRollsBackJournal(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	ctx := context.Background()

	entry, _ := NewEntry(DocRouter, "order_created", nil)
	if err := s.Commit(ctx, DocRouter, newTestDoc("1"), entry); err != nil {
		t.Fatal(err)
	}

	// A directory at the document path makes the rename fail.
	if err := os.Mkdir(s.docPath(DocPools), 0o755); err != nil {
		t.Fatal(err)
	}
	entry, _ = NewEntry(DocPools, "swap", nil)
	if err := s.Commit(ctx, DocPools, newTestDoc("7"), entry); err == nil {
		t.Fatal("expected document failure")
	}
	if entries, err := s.Journal(ctx, DocPools, 0); err != nil || len(entries) != 0 {
		t.Errorf("journal after failed commit: %d entries, err=%v", len(entries), err)
	}
	if entries, _ := s.Journal(ctx, DocRouter, 0); len(entries) != 1 {
		t.Errorf("unrelated journal changed: %d entries", len(entries))
	}
}

// With Redis unreachable every cache call fails; commits and loads must
// still behave like the primary store alone.
func TestCachedStore_RedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := NewMemoryStore()
	exerciseStore(t, NewCachedStore(primary, rdb, time.Minute))

	var got testDoc
	found, err := NewCachedStore(primary, rdb, time.Minute).Load(context.Background(), DocPools, &got)
	if err != nil || !found || !got.Total.Equal(decimal.NewFromInt(3)) {
		t.Errorf("reload: found=%v err=%v total=%s", found, err, got.Total)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	entries, err := reopened.Journal(context.Background(), DocPools, 0)
	if err != nil || len(entries) != 3 {
		t.Fatalf("journal after reopen: %d entries, err=%v", len(entries), err)
	}
	if entries[0].Kind != "swap" || entries[0].Document != DocPools {
		t.Errorf("entry = %+v", entries[0])
	}
}
