package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileStore is a durable on-disk backend storing one JSON file per record
// under baseDir/<thread_id>/<checkpoint_id>.json. Writes go through a temp
// file plus rename so readers never observe a partial record. Suitable for
// single-node deployments.
type FileStore struct {
	baseDir string
	codec   *Codec

	mu     sync.RWMutex
	index  map[string][]*Record // thread id -> records, newest first
	ids    map[string]string    // checkpoint id -> thread id
	byKey  *keyedMutex
	closed bool
	logger *zap.Logger
}

// NewFileStore creates the base directory if needed and loads any existing
// records into the in-memory index.
func NewFileStore(baseDir string, codec *Codec, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, &ValidationError{Field: "base_dir", Reason: "file backend requires a base directory"}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if codec == nil {
		codec = NewCodec(false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store := &FileStore{
		baseDir: baseDir,
		codec:   codec,
		index:   make(map[string][]*Record),
		ids:     make(map[string]string),
		byKey:   newKeyedMutex(),
		logger:  logger.With(zap.String("store", "file")),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load checkpoints from disk: %w", err)
	}
	return store, nil
}

// loadFromDisk rebuilds the index from the directory layout.
func (s *FileStore) loadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		threadID := entry.Name()
		files, err := os.ReadDir(filepath.Join(s.baseDir, threadID))
		if err != nil {
			return err
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(s.baseDir, threadID, file.Name()))
			if err != nil {
				return err
			}
			var rec Record
			if err := s.codec.Decode(data, &rec); err != nil {
				s.logger.Warn("skipping unreadable checkpoint file",
					zap.String("file", file.Name()),
					zap.Error(err),
				)
				continue
			}
			s.index[threadID] = append(s.index[threadID], &rec)
			s.ids[rec.ID] = threadID
		}
		sortNewestFirst(s.index[threadID])
	}
	return nil
}

func (s *FileStore) recordPath(threadID, checkpointID string) string {
	return filepath.Join(s.baseDir, threadID, checkpointID+".json")
}

// writeFile persists data atomically: temp file then rename.
func (s *FileStore) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Save(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" || record.ThreadID == "" {
		return ErrInvalidInput
	}

	unlock := s.byKey.Lock(record.ThreadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.ids[record.ID]; exists {
		return ErrAlreadyExists
	}

	stored := record.Clone()
	data, err := s.codec.Encode(stored)
	if err != nil {
		return err
	}
	if err := s.writeFile(s.recordPath(record.ThreadID, record.ID), data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	s.ids[record.ID] = record.ThreadID
	records := append(s.index[record.ThreadID], stored)
	sortNewestFirst(records)
	s.index[record.ThreadID] = records

	return nil
}

func (s *FileStore) Load(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	if checkpointID == "" {
		return s.LoadLatest(ctx, threadID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, rec := range s.index[threadID] {
		if rec.ID == checkpointID {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) LoadLatest(ctx context.Context, threadID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	records := s.index[threadID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0].Clone(), nil
}

func (s *FileStore) ListByThread(ctx context.Context, threadID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	records := s.index[threadID]
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *FileStore) GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Record, 0)
	for _, rec := range s.index[threadID] {
		if rec.WorkflowID == workflowID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, threadID, checkpointID string) error {
	unlock := s.byKey.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	records := s.index[threadID]
	if checkpointID == "" {
		if len(records) == 0 {
			return ErrNotFound
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, threadID)); err != nil {
			return fmt.Errorf("failed to delete thread directory: %w", err)
		}
		for _, rec := range records {
			delete(s.ids, rec.ID)
		}
		delete(s.index, threadID)
		return nil
	}

	for i, rec := range records {
		if rec.ID == checkpointID {
			if err := os.Remove(s.recordPath(threadID, checkpointID)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete checkpoint file: %w", err)
			}
			delete(s.ids, rec.ID)
			s.index[threadID] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *FileStore) CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error) {
	unlock := s.byKey.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	kept, evicted := retainNewest(s.index[threadID], maxCount)
	if len(evicted) == 0 {
		return nil, nil
	}

	removed := make([]string, 0, len(evicted))
	for _, rec := range evicted {
		if err := os.Remove(s.recordPath(threadID, rec.ID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to delete checkpoint file: %w", err)
		}
		delete(s.ids, rec.ID)
		removed = append(removed, rec.ID)
	}
	s.index[threadID] = append([]*Record(nil), kept...)

	s.logger.Debug("cleaned up old checkpoints",
		zap.String("thread_id", threadID),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*FileStore)(nil)
