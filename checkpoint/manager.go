package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager orchestrates policy, serializer, store, cache, and monitor behind
// the engine's public contract. A Manager is an explicit handle: construct
// one per engine instance and pass it to callers; there is no ambient
// global registry.
type Manager struct {
	cfg        Config
	store      Store
	serializer Serializer
	codec      *Codec
	cache      Cache // nil disables caching
	cacheType  string
	policy     Policy
	monitor    Monitor
	logger     *zap.Logger

	// loads collapses concurrent cache misses for the same checkpoint into
	// one store round trip.
	loads singleflight.Group

	// fast is the process-local restore fast path: the live state object a
	// checkpoint was created from, keyed by checkpoint id. It never
	// survives a restart; cross-process restores fall back to the
	// persisted bytes.
	fastMu sync.RWMutex
	fast   map[string]fastEntry
}

type fastEntry struct {
	threadID string
	state    map[string]any
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache enables the read/write-through cache.
func WithCache(cache Cache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithPolicy replaces the default step policy.
func WithPolicy(policy Policy) Option {
	return func(m *Manager) { m.policy = policy }
}

// WithMonitor attaches an operation monitor.
func WithMonitor(monitor Monitor) Option {
	return func(m *Manager) { m.monitor = monitor }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s Serializer) Option {
	return func(m *Manager) { m.serializer = s }
}

// NewManager creates an engine instance over the given store.
func NewManager(cfg Config, store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		codec:   NewCodec(cfg.Compression),
		monitor: NopMonitor{},
		logger:  zap.NewNop(),
		fast:    make(map[string]fastEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.serializer == nil {
		m.serializer = NewJSONSerializer(m.logger)
	}
	if m.policy == nil {
		m.policy = NewStepPolicy(cfg, m.logger)
	}
	m.cacheType = cacheTypeName(m.cache)
	m.logger = m.logger.With(zap.String("component", "checkpoint_manager"))
	return m, nil
}

func newCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}

func (m *Manager) storageErr(op string, err error) error {
	return NewStorageError(op, string(m.cfg.Backend), err)
}

// cacheSet encodes and caches a record; failures only cost the
// acceleration, never the operation.
func (m *Manager) cacheSet(ctx context.Context, rec *Record) {
	if m.cache == nil {
		return
	}
	data, err := m.codec.Encode(rec)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, rec.ID, data, m.cfg.CacheTTL); err != nil {
		m.logger.Debug("cache set failed", zap.String("checkpoint_id", rec.ID), zap.Error(err))
	}
}

func (m *Manager) cacheGet(ctx context.Context, threadID, checkpointID string) *Record {
	if m.cache == nil {
		return nil
	}
	cm, _ := m.monitor.(CacheMonitor)
	data, err := m.cache.Get(ctx, checkpointID)
	if err != nil {
		if cm != nil {
			cm.RecordCacheMiss(m.cacheType)
		}
		return nil
	}
	var rec Record
	if err := m.codec.Decode(data, &rec); err != nil {
		if cm != nil {
			cm.RecordCacheMiss(m.cacheType)
		}
		return nil
	}
	if rec.ThreadID != threadID {
		if cm != nil {
			cm.RecordCacheMiss(m.cacheType)
		}
		return nil
	}
	if cm != nil {
		cm.RecordCacheHit(m.cacheType)
	}
	return &rec
}

func cacheTypeName(c Cache) string {
	switch c.(type) {
	case nil:
		return ""
	case *MemoryCache:
		return "memory"
	case *RedisCache:
		return "redis"
	default:
		return "custom"
	}
}

func (m *Manager) invalidate(ctx context.Context, checkpointIDs ...string) {
	if len(checkpointIDs) == 0 {
		return
	}
	if m.cache != nil {
		if err := m.cache.Delete(ctx, checkpointIDs...); err != nil {
			m.logger.Debug("cache invalidation failed", zap.Error(err))
		}
	}
	m.fastMu.Lock()
	for _, id := range checkpointIDs {
		delete(m.fast, id)
	}
	m.fastMu.Unlock()
}

// CreateCheckpoint serializes state, persists it under a fresh id, and
// returns the id. Backend failures surface as a StorageError; they are
// never swallowed.
func (m *Manager) CreateCheckpoint(ctx context.Context, threadID, workflowID string, state, metadata map[string]any) (string, error) {
	token := m.monitor.StartOperation(ctx, "create_checkpoint", threadID, workflowID)

	if threadID == "" {
		m.monitor.EndOperation(token, false)
		return "", ErrInvalidInput
	}

	portable, degraded := m.serializer.Serialize(state)
	meta := CloneState(metadata)
	if len(degraded) > 0 {
		if meta == nil {
			meta = make(map[string]any)
		}
		meta["degraded_fields"] = degraded
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:         newCheckpointID(),
		ThreadID:   threadID,
		WorkflowID: workflowID,
		StateData:  portable,
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.store.Save(ctx, rec); err != nil {
		m.monitor.EndOperation(token, false)
		return "", m.storageErr("save", err)
	}

	m.cacheSet(ctx, rec)
	// The fast path must hold the state as it was at checkpoint time, not
	// the caller's live map, which keeps mutating after this call returns.
	m.fastMu.Lock()
	m.fast[rec.ID] = fastEntry{threadID: threadID, state: CloneState(state)}
	m.fastMu.Unlock()

	m.logger.Debug("checkpoint created",
		zap.String("checkpoint_id", rec.ID),
		zap.String("thread_id", threadID),
		zap.String("workflow_id", workflowID),
	)
	m.monitor.EndOperation(token, true)
	return rec.ID, nil
}

// GetCheckpoint returns the record, or (nil, nil) when absent. Cache hits
// skip the store; misses backfill the cache.
func (m *Manager) GetCheckpoint(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	token := m.monitor.StartOperation(ctx, "get_checkpoint", threadID, "")

	if rec := m.cacheGet(ctx, threadID, checkpointID); rec != nil {
		m.monitor.EndOperation(token, true)
		return rec, nil
	}

	v, err, _ := m.loads.Do(threadID+"/"+checkpointID, func() (any, error) {
		return m.store.Load(ctx, threadID, checkpointID)
	})
	if IsNotFound(err) {
		m.monitor.EndOperation(token, true)
		return nil, nil
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("load", err)
	}

	rec := v.(*Record)
	m.cacheSet(ctx, rec)
	m.monitor.EndOperation(token, true)
	return rec, nil
}

// ListCheckpoints returns the thread's records newest first.
func (m *Manager) ListCheckpoints(ctx context.Context, threadID string) ([]*Record, error) {
	token := m.monitor.StartOperation(ctx, "list_checkpoints", threadID, "")
	records, err := m.store.ListByThread(ctx, threadID)
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("list", err)
	}
	m.monitor.EndOperation(token, true)
	return records, nil
}

// GetCheckpointsByWorkflow returns the thread's records filtered by
// workflow, newest first.
func (m *Manager) GetCheckpointsByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	token := m.monitor.StartOperation(ctx, "get_by_workflow", threadID, workflowID)
	records, err := m.store.GetByWorkflow(ctx, threadID, workflowID)
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("get_by_workflow", err)
	}
	m.monitor.EndOperation(token, true)
	return records, nil
}

// DeleteCheckpoint removes one record. Deleting an already-deleted id
// returns false, never an error.
func (m *Manager) DeleteCheckpoint(ctx context.Context, threadID, checkpointID string) (bool, error) {
	token := m.monitor.StartOperation(ctx, "delete_checkpoint", threadID, "")

	err := m.store.Delete(ctx, threadID, checkpointID)
	if IsNotFound(err) {
		m.monitor.EndOperation(token, true)
		return false, nil
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return false, m.storageErr("delete", err)
	}

	m.invalidate(ctx, checkpointID)
	m.monitor.EndOperation(token, true)
	return true, nil
}

// DeleteThreadCheckpoints removes the thread's whole history and resets its
// policy counters.
func (m *Manager) DeleteThreadCheckpoints(ctx context.Context, threadID string) (bool, error) {
	token := m.monitor.StartOperation(ctx, "delete_thread", threadID, "")

	records, err := m.store.ListByThread(ctx, threadID)
	if err != nil {
		m.monitor.EndOperation(token, false)
		return false, m.storageErr("list", err)
	}

	err = m.store.Delete(ctx, threadID, "")
	if IsNotFound(err) {
		m.monitor.EndOperation(token, true)
		return false, nil
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return false, m.storageErr("delete", err)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	m.invalidate(ctx, ids...)

	if sp, ok := m.policy.(*StepPolicy); ok {
		for _, rec := range records {
			sp.Reset(threadID, rec.WorkflowID)
		}
	}
	m.monitor.EndOperation(token, true)
	return true, nil
}

// GetLatestCheckpoint returns the thread's most recent record, or
// (nil, nil) when the thread has none.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, threadID string) (*Record, error) {
	token := m.monitor.StartOperation(ctx, "get_latest", threadID, "")

	rec, err := m.store.LoadLatest(ctx, threadID)
	if IsNotFound(err) {
		m.monitor.EndOperation(token, true)
		return nil, nil
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("load_latest", err)
	}
	m.monitor.EndOperation(token, true)
	return rec, nil
}

// RestoreFromCheckpoint resolves the checkpoint's state through a ladder:
// the resident same-process original first, the persisted bytes second, an
// empty state last. Returns (nil, nil) when the checkpoint is absent.
func (m *Manager) RestoreFromCheckpoint(ctx context.Context, threadID, checkpointID string) (map[string]any, error) {
	token := m.monitor.StartOperation(ctx, "restore", threadID, "")

	m.fastMu.RLock()
	entry, resident := m.fast[checkpointID]
	m.fastMu.RUnlock()
	if resident && entry.threadID == threadID {
		m.monitor.EndOperation(token, true)
		return CloneState(entry.state), nil
	}

	rec, err := m.store.Load(ctx, threadID, checkpointID)
	if IsNotFound(err) {
		m.monitor.EndOperation(token, true)
		return nil, nil
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("load", err)
	}

	state := m.serializer.Deserialize(rec.StateData)
	if state == nil {
		state = map[string]any{}
	}
	m.monitor.EndOperation(token, true)
	return state, nil
}

// AutoSaveCheckpoint consults the policy. A policy no-op returns an empty
// id and no error; a save additionally enforces the retention ceiling when
// MaxCheckpoints is set.
func (m *Manager) AutoSaveCheckpoint(ctx context.Context, threadID, workflowID string, state map[string]any, triggerReason string) (string, error) {
	token := m.monitor.StartOperation(ctx, "auto_save", threadID, workflowID)

	step := StepContext{
		ThreadID:      threadID,
		WorkflowID:    workflowID,
		TriggerReason: triggerReason,
		State:         state,
	}
	if !m.policy.ShouldSave(step) {
		m.monitor.EndOperation(token, true)
		return "", nil
	}

	meta := m.policy.BuildMetadata(step)
	id, err := m.CreateCheckpoint(ctx, threadID, workflowID, state, meta.Map())
	if err != nil {
		m.monitor.EndOperation(token, false)
		return "", err
	}

	if m.cfg.MaxCheckpoints > 0 {
		if _, err := m.CleanupCheckpoints(ctx, threadID, m.cfg.MaxCheckpoints); err != nil {
			m.monitor.EndOperation(token, false)
			return "", err
		}
	}
	m.monitor.EndOperation(token, true)
	return id, nil
}

// CleanupCheckpoints deletes the oldest records beyond maxCount and returns
// how many were removed. A no-op returns zero, never an error.
func (m *Manager) CleanupCheckpoints(ctx context.Context, threadID string, maxCount int) (int, error) {
	token := m.monitor.StartOperation(ctx, "cleanup", threadID, "")

	removed, err := m.store.CleanupOld(ctx, threadID, maxCount)
	if err != nil {
		m.monitor.EndOperation(token, false)
		return 0, m.storageErr("cleanup", err)
	}
	m.invalidate(ctx, removed...)
	m.monitor.EndOperation(token, true)
	return len(removed), nil
}

// CopyCheckpoint clones a checkpoint's payload under the target thread with
// a fresh id and timestamps. Returns ErrNotFound when the source is absent.
func (m *Manager) CopyCheckpoint(ctx context.Context, srcThreadID, checkpointID, dstThreadID string) (string, error) {
	token := m.monitor.StartOperation(ctx, "copy_checkpoint", srcThreadID, "")

	src, err := m.store.Load(ctx, srcThreadID, checkpointID)
	if IsNotFound(err) {
		m.monitor.EndOperation(token, false)
		return "", fmt.Errorf("copy source %s/%s: %w", srcThreadID, checkpointID, ErrNotFound)
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return "", m.storageErr("load", err)
	}

	now := time.Now().UTC()
	clone := src.Clone()
	clone.ID = newCheckpointID()
	clone.ThreadID = dstThreadID
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if clone.Metadata == nil {
		clone.Metadata = make(map[string]any)
	}
	clone.Metadata["copied_from"] = src.ID

	if err := m.store.Save(ctx, clone); err != nil {
		m.monitor.EndOperation(token, false)
		return "", m.storageErr("save", err)
	}

	m.cacheSet(ctx, clone)
	m.monitor.EndOperation(token, true)
	return clone.ID, nil
}

// ExportCheckpoint returns the portable wire form of a checkpoint.
func (m *Manager) ExportCheckpoint(ctx context.Context, threadID, checkpointID string) (*ExportedRecord, error) {
	token := m.monitor.StartOperation(ctx, "export", threadID, "")

	rec, err := m.store.Load(ctx, threadID, checkpointID)
	if IsNotFound(err) {
		m.monitor.EndOperation(token, false)
		return nil, fmt.Errorf("export %s/%s: %w", threadID, checkpointID, ErrNotFound)
	}
	if err != nil {
		m.monitor.EndOperation(token, false)
		return nil, m.storageErr("load", err)
	}

	m.monitor.EndOperation(token, true)
	return &ExportedRecord{
		SourceID:        rec.ID,
		SourceThreadID:  rec.ThreadID,
		WorkflowID:      rec.WorkflowID,
		StateData:       CloneState(rec.StateData),
		Metadata:        CloneState(rec.Metadata),
		SourceCreatedAt: rec.CreatedAt,
		ExportedAt:      time.Now().UTC(),
		SchemaVersion:   exportSchemaVersion,
	}, nil
}

// ImportCheckpoint persists an exported record under the target thread.
// The externally supplied id is never trusted: a fresh id and timestamps
// are always minted, so re-importing the same export can never collide.
func (m *Manager) ImportCheckpoint(ctx context.Context, threadID string, data *ExportedRecord) (string, error) {
	token := m.monitor.StartOperation(ctx, "import", threadID, "")

	if data == nil || threadID == "" {
		m.monitor.EndOperation(token, false)
		return "", ErrInvalidInput
	}

	now := time.Now().UTC()
	meta := CloneState(data.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	if data.SourceID != "" {
		meta["imported_from"] = data.SourceID
	}

	rec := &Record{
		ID:         newCheckpointID(),
		ThreadID:   threadID,
		WorkflowID: data.WorkflowID,
		StateData:  CloneState(data.StateData),
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.monitor.EndOperation(token, false)
		return "", m.storageErr("save", err)
	}

	m.cacheSet(ctx, rec)
	m.monitor.EndOperation(token, true)
	return rec.ID, nil
}

// Config returns the engine configuration.
func (m *Manager) Config() Config { return m.cfg }

// Ping reports backend health.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Close releases the store and cache.
func (m *Manager) Close() error {
	var errs []error
	if err := m.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
