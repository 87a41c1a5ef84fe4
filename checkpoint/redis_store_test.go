package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedisStore(t *testing.T, cfg Config) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, cfg, NewCodec(cfg.Compression), zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	rec := testRecord("thread-1", "ckpt_a", time.Now().UTC())
	require.NoError(t, store.Save(ctx, rec))

	loaded, err := store.Load(ctx, "thread-1", "ckpt_a")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.Equal(t, rec.StateData, loaded.StateData)

	// wrong thread never leaks another thread's record
	_, err = store.Load(ctx, "thread-2", "ckpt_a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_InsertOnly(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))
	err := store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC()))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRedisStore_ListNewestFirst(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		rec := testRecord("thread-1", fmt.Sprintf("ckpt_%02d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Save(ctx, rec))
	}

	records, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "ckpt_03", records[0].ID)
	assert.Equal(t, "ckpt_00", records[3].ID)

	latest, err := store.LoadLatest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "ckpt_03", latest.ID)
}

func TestRedisStore_SubMillisecondOrdering(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	// timestamps this close collapse under a nanosecond float score
	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_newest", base.Add(2*time.Microsecond))))
	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", base.Add(time.Microsecond+300*time.Nanosecond))))
	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_b", base.Add(time.Microsecond+100*time.Nanosecond))))

	records, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	// distinct microseconds order by time; records inside the same
	// microsecond take the id tie-break, highest id first
	assert.Equal(t, "ckpt_newest", records[0].ID)
	assert.Equal(t, "ckpt_b", records[1].ID)
	assert.Equal(t, "ckpt_a", records[2].ID)
}

func TestRedisStore_CleanupOld(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		rec := testRecord("thread-1", fmt.Sprintf("ckpt_%02d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Save(ctx, rec))
	}

	removed, err := store.CleanupOld(ctx, "thread-1", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ckpt_00", "ckpt_01"}, removed)

	records, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// values for removed ids are gone too
	_, err = store.Load(ctx, "thread-1", "ckpt_00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeleteThread(t *testing.T) {
	store, _ := newTestRedisStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))
	require.NoError(t, store.Save(ctx, testRecord("thread-2", "ckpt_b", time.Now().UTC())))

	require.NoError(t, store.Delete(ctx, "thread-1", ""))

	records, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.ErrorIs(t, store.Delete(ctx, "thread-1", ""), ErrNotFound)

	records, err = store.ListByThread(ctx, "thread-2")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// RetentionDays becomes a value TTL; once a value expires the index entry is
// dropped lazily on the next list.
func TestRedisStore_TTLExpiryDropsIndexEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionDays = 1
	store, mr := newTestRedisStore(t, cfg)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))

	mr.FastForward(48 * time.Hour)

	records, err := store.ListByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedisStore_CompressedValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression = true
	store, _ := newTestRedisStore(t, cfg)
	ctx := context.Background()

	rec := testRecord("thread-1", "ckpt_a", time.Now().UTC())
	require.NoError(t, store.Save(ctx, rec))

	loaded, err := store.Load(ctx, "thread-1", "ckpt_a")
	require.NoError(t, err)
	assert.Equal(t, rec.StateData, loaded.StateData)
}
