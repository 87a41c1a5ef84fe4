// Package thread provides the thread collaborator the checkpoint engine
// works against: long-lived execution contexts with mutable current state,
// backed by interchangeable stores.
package thread

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store errors.
var (
	ErrNotFound      = errors.New("thread not found")
	ErrAlreadyExists = errors.New("thread already exists")
	ErrStoreClosed   = errors.New("thread store is closed")
)

// Store persists threads.
type Store interface {
	Create(ctx context.Context, t *Thread) error
	Get(ctx context.Context, threadID string) (*Thread, error)
	Update(ctx context.Context, t *Thread) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]*Thread, error)
	Close() error
}

// MemoryStore is an in-memory thread store for development and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	closed  bool
	logger  *zap.Logger
}

// NewMemoryStore creates an empty in-memory thread store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		threads: make(map[string]*Thread),
		logger:  logger.With(zap.String("store", "thread_memory")),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Thread) error {
	if t == nil || t.ID == "" {
		return errors.New("invalid thread")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.threads[t.ID]; exists {
		return ErrAlreadyExists
	}
	s.threads[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *Thread) error {
	if t == nil || t.ID == "" {
		return errors.New("invalid thread")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.threads[t.ID]; !ok {
		return ErrNotFound
	}
	s.threads[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.threads[threadID]; !ok {
		return ErrNotFound
	}
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
