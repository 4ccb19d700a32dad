// Package filekv persists the pending-sale queue as one JSON document per
// entry in a local directory. Writes go through a temp file and rename so a
// crash never leaves a truncated entry behind; the directory is synced
// after every rename and remove. The highest sequence handed out is kept in
// a separate mark file so numbering survives an emptied queue.
package filekv

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
	"github.com/bamskydbest/pharm-sub001/internal/store"
)

const (
	entrySuffix = ".sale.json"
	markFile    = "sequence.mark"
)

type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("filekv: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("filekv: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) List(ctx context.Context) ([]domain.QueuedSale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filekv: read dir: %w", err)
	}

	entries := make([]domain.QueuedSale, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), entrySuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, dirEntry.Name()))
		if err != nil {
			return nil, fmt.Errorf("filekv: read %s: %w", dirEntry.Name(), err)
		}
		var entry domain.QueuedSale
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("filekv: decode %s: %w", dirEntry.Name(), err)
		}
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(a, b domain.QueuedSale) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return entries, nil
}

func (s *Store) Put(_ context.Context, entry domain.QueuedSale) error {
	if err := store.ValidateQueuedSale(entry); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(s.path(entry.Key()), payload); err != nil {
		return err
	}
	mark, err := s.readMark()
	if err != nil {
		return err
	}
	if entry.Sequence > mark {
		return s.writeFile(filepath.Join(s.dir, markFile), []byte(strconv.FormatUint(entry.Sequence, 10)))
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filekv: delete: %w", err)
	}
	return s.syncDir()
}

// LastSequence returns the recorded mark, or the highest stored entry when
// the mark is behind.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	last, err := s.readMark()
	if err != nil {
		return 0, err
	}
	if n := len(entries); n > 0 {
		last = max(last, entries[n-1].Sequence)
	}
	return last, nil
}

func (s *Store) readMark() (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, markFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("filekv: read mark: %w", err)
	}
	mark, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("filekv: decode mark: %w", err)
	}
	return mark, nil
}

func (s *Store) writeFile(target string, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("filekv: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filekv: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filekv: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filekv: close: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("filekv: rename: %w", err)
	}
	return s.syncDir()
}

// syncDir makes a completed rename or remove durable.
func (s *Store) syncDir() error {
	dir, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("filekv: open dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("filekv: sync dir: %w", err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+entrySuffix)
}
