package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

// FileOffsetStore keeps offsets in one JSON file, rewritten atomically on
// every commit. Suitable for single-process deployments without a database.
type FileOffsetStore struct {
	path string

	mu      sync.Mutex
	offsets map[int64]offsetEntry
}

type offsetEntry struct {
	MessageID int64 `json:"message_id"`
	UpdatedAt int64 `json:"updated_at"` // unix ms
}

var _ domain.OffsetStore = (*FileOffsetStore)(nil)

// OpenFileOffsetStore loads path, or starts empty if it does not exist.
func OpenFileOffsetStore(path string) (*FileOffsetStore, error) {
	s := &FileOffsetStore{path: path, offsets: make(map[int64]offsetEntry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read offsets file %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var raw map[string]offsetEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse offsets file %s: %w", path, err)
	}
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse offsets file %s: bad chat id %q", path, k)
		}
		s.offsets[id] = v
	}
	return s, nil
}

func (s *FileOffsetStore) ReadOffset(_ context.Context, chatID int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.offsets[chatID]
	return e.MessageID, ok, nil
}

// WriteOffset rewrites and fsyncs the whole file under the store lock, so
// commits from all chats are serialized behind one disk write.
func (s *FileOffsetStore) WriteOffset(_ context.Context, chatID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.offsets[chatID]
	if ok && prev.MessageID >= messageID {
		return nil
	}
	s.offsets[chatID] = offsetEntry{MessageID: messageID, UpdatedAt: time.Now().UnixMilli()}
	if err := s.flushLocked(); err != nil {
		if ok {
			s.offsets[chatID] = prev
		} else {
			delete(s.offsets, chatID)
		}
		return err
	}
	return nil
}

func (s *FileOffsetStore) ListOffsets(_ context.Context) ([]domain.OffsetRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.OffsetRecord, 0, len(s.offsets))
	for id, e := range s.offsets {
		out = append(out, domain.OffsetRecord{ChatID: id, MessageID: e.MessageID, UpdatedAt: time.UnixMilli(e.UpdatedAt)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *FileOffsetStore) ResetOffset(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.offsets[chatID]
	if !ok {
		return nil
	}
	delete(s.offsets, chatID)
	if err := s.flushLocked(); err != nil {
		s.offsets[chatID] = prev
		return err
	}
	return nil
}

func (s *FileOffsetStore) flushLocked() error {
	raw := make(map[string]offsetEntry, len(s.offsets))
	for id, e := range s.offsets {
		raw[strconv.FormatInt(id, 10)] = e
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode offsets: %w", err)
	}
	return writeAtomic(s.path, data, 0o600)
}

// writeAtomic writes via a synced temp file and rename, so a crash leaves
// either the old or the new content.
func writeAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}

	// Best effort directory sync; ignore failures.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
