package checkpoint

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore is a non-durable in-memory backend. Suitable for development
// and testing; data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	ids     map[string]string    // checkpoint id -> owning thread id
	threads map[string][]*Record // thread id -> records, newest first
	byKey   *keyedMutex
	closed  bool
	logger  *zap.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		ids:     make(map[string]string),
		threads: make(map[string][]*Record),
		byKey:   newKeyedMutex(),
		logger:  logger.With(zap.String("store", "memory")),
	}
}

func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
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
	s.ids[record.ID] = record.ThreadID
	records := append(s.threads[record.ThreadID], stored)
	sortNewestFirst(records)
	s.threads[record.ThreadID] = records

	return nil
}

func (s *MemoryStore) Load(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	if checkpointID == "" {
		return s.LoadLatest(ctx, threadID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, rec := range s.threads[threadID] {
		if rec.ID == checkpointID {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	records := s.threads[threadID]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0].Clone(), nil
}

func (s *MemoryStore) ListByThread(ctx context.Context, threadID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	records := s.threads[threadID]
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Record, 0)
	for _, rec := range s.threads[threadID] {
		if rec.WorkflowID == workflowID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID, checkpointID string) error {
	unlock := s.byKey.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	records := s.threads[threadID]
	if checkpointID == "" {
		if len(records) == 0 {
			return ErrNotFound
		}
		for _, rec := range records {
			delete(s.ids, rec.ID)
		}
		delete(s.threads, threadID)
		return nil
	}

	for i, rec := range records {
		if rec.ID == checkpointID {
			delete(s.ids, rec.ID)
			s.threads[threadID] = append(records[:i:i], records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error) {
	unlock := s.byKey.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	kept, evicted := retainNewest(s.threads[threadID], maxCount)
	if len(evicted) == 0 {
		return nil, nil
	}

	removed := make([]string, 0, len(evicted))
	for _, rec := range evicted {
		delete(s.ids, rec.ID)
		removed = append(removed, rec.ID)
	}
	s.threads[threadID] = append([]*Record(nil), kept...)

	s.logger.Debug("cleaned up old checkpoints",
		zap.String("thread_id", threadID),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
