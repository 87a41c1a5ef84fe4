package checkpoint

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store is the backend-agnostic persistence contract every backend must
// implement in full; there is no capability probing. All backends share
// identical ordering and retention semantics: within a thread, records sort
// newest-first by created_at, ties broken by id descending.
type Store interface {
	// Save inserts a record. It never overwrites: saving an existing id
	// returns ErrAlreadyExists.
	Save(ctx context.Context, record *Record) error

	// Load returns the record with the given id, or the most recent record
	// for the thread when checkpointID is empty. Absence is ErrNotFound.
	Load(ctx context.Context, threadID, checkpointID string) (*Record, error)

	// LoadLatest returns the most recent record for the thread.
	LoadLatest(ctx context.Context, threadID string) (*Record, error)

	// ListByThread returns all records for the thread, newest first. An
	// unknown thread yields an empty slice, not an error.
	ListByThread(ctx context.Context, threadID string) ([]*Record, error)

	// GetByWorkflow returns the thread's records filtered by workflow,
	// newest first.
	GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error)

	// Delete removes one record, or every record for the thread when
	// checkpointID is empty. Deleting an absent record returns ErrNotFound.
	Delete(ctx context.Context, threadID, checkpointID string) error

	// CleanupOld deletes the oldest records beyond maxCount and returns the
	// ids it removed. No record newer than the maxCount-th retained record
	// is ever deleted; ties break by id.
	CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error)

	// Ping reports store health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NewStore validates cfg and constructs the configured backend.
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := NewCodec(cfg.Compression)

	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryStore(logger), nil
	case BackendFile:
		return NewFileStore(cfg.BaseDir, codec, logger)
	case BackendSQLite, BackendPostgres, BackendMySQL:
		return NewDatabaseStore(cfg, codec, logger)
	case BackendRedis:
		return NewRedisStore(cfg, codec, logger)
	case BackendMongo:
		return NewMongoStore(context.Background(), cfg, codec, logger)
	default:
		return nil, &ValidationError{Field: "backend", Reason: "unknown backend " + string(cfg.Backend)}
	}
}

// sortNewestFirst orders records by created_at descending, ties by id
// descending, matching the persisted (thread_id, created_at) index order.
func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}

// retainNewest splits an already sorted (newest first) slice into the records
// to keep and the ones past the retention ceiling.
func retainNewest(sorted []*Record, maxCount int) (kept, evicted []*Record) {
	if maxCount <= 0 || len(sorted) <= maxCount {
		return sorted, nil
	}
	return sorted[:maxCount], sorted[maxCount:]
}

// keyedMutex provides one mutex per thread id so read-then-write sequences
// form a critical section per thread while different threads never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use, and returns the
// unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
