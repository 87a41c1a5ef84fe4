package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/internal/tlsutil"
)

// RedisStore persists checkpoints in redis: one value per record plus one
// sorted set per thread scored by created_at microseconds. ZREVRANGE on the
// set yields newest-first order; equal scores fall back to reverse
// lexicographic member order, which matches the id tie-break.
type RedisStore struct {
	client *redis.Client
	prefix string
	codec  *Codec
	ttl    time.Duration
	byKey  *keyedMutex
	logger *zap.Logger
}

// NewRedisStore connects to redis using cfg.Redis and verifies the
// connection. RetentionDays, when set, becomes a TTL on checkpoint values.
func NewRedisStore(cfg Config, codec *Codec, logger *zap.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
	if cfg.Redis.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg, codec, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests running
// against miniredis and by callers sharing a connection pool.
func NewRedisStoreWithClient(client *redis.Client, cfg Config, codec *Codec, logger *zap.Logger) *RedisStore {
	if codec == nil {
		codec = NewCodec(cfg.Compression)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = "threadflow"
	}
	var ttl time.Duration
	if cfg.RetentionDays > 0 {
		ttl = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		codec:  codec,
		ttl:    ttl,
		byKey:  newKeyedMutex(),
		logger: logger.With(zap.String("store", "redis")),
	}
}

func (s *RedisStore) recordKey(id string) string {
	return fmt.Sprintf("%s:ckpt:%s", s.prefix, id)
}

func (s *RedisStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}

func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" || record.ThreadID == "" {
		return ErrInvalidInput
	}

	unlock := s.byKey.Lock(record.ThreadID)
	defer unlock()

	data, err := s.codec.Encode(record)
	if err != nil {
		return err
	}

	// SetNX keeps Save insert-only; an existing id is never overwritten.
	ok, err := s.client.SetNX(ctx, s.recordKey(record.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	// Microseconds stay exactly representable in a float64 score;
	// nanosecond scores round at this epoch and can collapse close
	// timestamps into the wrong order. Records created within the same
	// microsecond take the id tie-break like equal timestamps do.
	score := float64(record.CreatedAt.UnixMicro())
	if err := s.client.ZAdd(ctx, s.threadKey(record.ThreadID), redis.Z{
		Score:  score,
		Member: record.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to index checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) loadByID(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var rec Record
	if err := s.codec.Decode(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Load(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	if checkpointID == "" {
		return s.LoadLatest(ctx, threadID)
	}
	rec, err := s.loadByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if rec.ThreadID != threadID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, threadID string) (*Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query thread index: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.loadByID(ctx, ids[0])
}

func (s *RedisStore) listIDs(ctx context.Context, threadID string) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query thread index: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ListByThread(ctx context.Context, threadID string) ([]*Record, error) {
	ids, err := s.listIDs(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadByID(ctx, id)
		if IsNotFound(err) {
			// Value expired by TTL while still indexed; drop the index entry.
			s.client.ZRem(ctx, s.threadKey(threadID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	records, err := s.ListByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID, checkpointID string) error {
	unlock := s.byKey.Lock(threadID)
	defer unlock()

	if checkpointID == "" {
		ids, err := s.listIDs(ctx, threadID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return ErrNotFound
		}
		keys := make([]string, 0, len(ids)+1)
		for _, id := range ids {
			keys = append(keys, s.recordKey(id))
		}
		keys = append(keys, s.threadKey(threadID))
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete thread checkpoints: %w", err)
		}
		return nil
	}

	removed, err := s.client.ZRem(ctx, s.threadKey(threadID), checkpointID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	if err := s.client.Del(ctx, s.recordKey(checkpointID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	unlock := s.byKey.Lock(threadID)
	defer unlock()

	total, err := s.client.ZCard(ctx, s.threadKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	excess := total - int64(maxCount)
	if excess <= 0 {
		return nil, nil
	}

	// Oldest entries sit at the bottom of the sorted set.
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, excess-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	members := make([]interface{}, 0, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		members = append(members, id)
		keys = append(keys, s.recordKey(id))
	}
	if err := s.client.ZRem(ctx, s.threadKey(threadID), members...).Err(); err != nil {
		return nil, fmt.Errorf("failed to trim thread index: %w", err)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return ids, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}

	s.logger.Debug("cleaned up old checkpoints",
		zap.String("thread_id", threadID),
		zap.Int("removed", len(ids)),
	)
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
