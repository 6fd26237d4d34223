package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps each document in its own JSON file under dir, replaced
// atomically through a temp file and rename, with an adjacent JSON-lines
// journal. The journal line is appended before the document is renamed into
// place and rolled back if the rename fails.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) docPath(doc Document) string {
	return filepath.Join(s.dir, string(doc)+".json")
}

func (s *FileStore) journalPath(doc Document) string {
	return filepath.Join(s.dir, string(doc)+".journal.jsonl")
}

func (s *FileStore) Load(_ context.Context, doc Document, dst any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	data, err := os.ReadFile(s.docPath(doc))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s document: %w", doc, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s document: %w", doc, err)
	}
	return true, nil
}

func (s *FileStore) Commit(_ context.Context, doc Document, state any, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	data, err := encodeState(doc, state)
	if err != nil {
		return err
	}

	// The journal line goes first and is truncated away if the document
	// rename fails, so a failed commit leaves neither visible.
	journal := s.journalPath(doc)
	var mark int64
	if fi, err := os.Stat(journal); err == nil {
		mark = fi.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s journal: %w", doc, err)
	}
	if err := appendLine(journal, entry); err != nil {
		os.Truncate(journal, mark) // drop a torn line, if any
		return fmt.Errorf("append %s journal: %w", doc, err)
	}
	if err := writeFileAtomic(s.docPath(doc), data); err != nil {
		if terr := os.Truncate(journal, mark); terr != nil {
			return fmt.Errorf("write %s document: %w (journal rollback: %v)", doc, err, terr)
		}
		return fmt.Errorf("write %s document: %w", doc, err)
	}
	return nil
}

func (s *FileStore) Journal(_ context.Context, doc Document, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	f, err := os.Open(s.journalPath(doc))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode %s journal line: %w", doc, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tail(entries, limit), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path. The temp file is removed on every error path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func appendLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
