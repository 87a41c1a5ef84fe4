package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/threadflow/internal/database"
)

// newStoreUnderTest builds each durable backend against throwaway storage so
// the whole contract runs against every implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(zap.NewNop())
		},
		"file": func(t *testing.T) Store {
			store, err := NewFileStore(t.TempDir(), NewCodec(false), zap.NewNop())
			require.NoError(t, err)
			return store
		},
		"sqlite": func(t *testing.T) Store {
			db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "ckpt.db"), zap.NewNop())
			require.NoError(t, err)
			store, err := NewDatabaseStoreWithDB(db, NewCodec(false), zap.NewNop())
			require.NoError(t, err)
			return store
		},
	}
}

func testRecord(threadID, id string, createdAt time.Time) *Record {
	return &Record{
		ID:         id,
		ThreadID:   threadID,
		WorkflowID: "wf-1",
		StateData:  map[string]any{"step": float64(1)},
		Metadata:   map[string]any{"trigger_reason": "manual"},
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			rec := testRecord("thread-1", "ckpt_a", time.Now().UTC())
			require.NoError(t, store.Save(ctx, rec))

			loaded, err := store.Load(ctx, "thread-1", "ckpt_a")
			require.NoError(t, err)
			assert.Equal(t, rec.ID, loaded.ID)
			assert.Equal(t, rec.ThreadID, loaded.ThreadID)
			assert.Equal(t, rec.WorkflowID, loaded.WorkflowID)
			assert.Equal(t, rec.StateData, loaded.StateData)
			assert.Equal(t, rec.Metadata, loaded.Metadata)
		})
	}
}

func TestStore_SaveDuplicateID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			rec := testRecord("thread-1", "ckpt_a", time.Now().UTC())
			require.NoError(t, store.Save(ctx, rec))

			err := store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC()))
			assert.ErrorIs(t, err, ErrAlreadyExists)

			// the original record is untouched
			loaded, err := store.Load(ctx, "thread-1", "ckpt_a")
			require.NoError(t, err)
			assert.Equal(t, rec.StateData, loaded.StateData)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			_, err := store.Load(ctx, "thread-1", "ckpt_nope")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.LoadLatest(ctx, "thread-nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_LoadEmptyIDReturnsLatest(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", base)))
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_b", base.Add(time.Second))))

			loaded, err := store.Load(ctx, "thread-1", "")
			require.NoError(t, err)
			assert.Equal(t, "ckpt_b", loaded.ID)
		})
	}
}

func TestStore_ListByThreadOrder(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", base)))
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_c", base.Add(2*time.Second))))
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_b", base.Add(time.Second))))

			records, err := store.ListByThread(ctx, "thread-1")
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, "ckpt_c", records[0].ID)
			assert.Equal(t, "ckpt_b", records[1].ID)
			assert.Equal(t, "ckpt_a", records[2].ID)
		})
	}
}

// Equal timestamps break ties by id descending, so the order is still total.
func TestStore_ListOrderTieBreak(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			at := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", at)))
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_b", at)))

			records, err := store.ListByThread(ctx, "thread-1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "ckpt_b", records[0].ID)
			assert.Equal(t, "ckpt_a", records[1].ID)

			latest, err := store.LoadLatest(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, "ckpt_b", latest.ID)
		})
	}
}

func TestStore_ListUnknownThread(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()

			records, err := store.ListByThread(context.Background(), "thread-nope")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestStore_GetByWorkflow(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			recA := testRecord("thread-1", "ckpt_a", base)
			recA.WorkflowID = "wf-1"
			recB := testRecord("thread-1", "ckpt_b", base.Add(time.Second))
			recB.WorkflowID = "wf-2"
			require.NoError(t, store.Save(ctx, recA))
			require.NoError(t, store.Save(ctx, recB))

			records, err := store.GetByWorkflow(ctx, "thread-1", "wf-1")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "ckpt_a", records[0].ID)
		})
	}
}

func TestStore_DeleteOne(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))
			require.NoError(t, store.Delete(ctx, "thread-1", "ckpt_a"))

			_, err := store.Load(ctx, "thread-1", "ckpt_a")
			assert.ErrorIs(t, err, ErrNotFound)

			// second delete reports absence
			assert.ErrorIs(t, store.Delete(ctx, "thread-1", "ckpt_a"), ErrNotFound)
		})
	}
}

func TestStore_DeleteThread(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", base)))
			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_b", base.Add(time.Second))))
			require.NoError(t, store.Save(ctx, testRecord("thread-2", "ckpt_c", base)))

			require.NoError(t, store.Delete(ctx, "thread-1", ""))

			records, err := store.ListByThread(ctx, "thread-1")
			require.NoError(t, err)
			assert.Empty(t, records)

			// other threads are untouched
			records, err = store.ListByThread(ctx, "thread-2")
			require.NoError(t, err)
			assert.Len(t, records, 1)
		})
	}
}

func TestStore_CleanupOld(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < 5; i++ {
				rec := testRecord("thread-1", fmt.Sprintf("ckpt_%02d", i), base.Add(time.Duration(i)*time.Second))
				require.NoError(t, store.Save(ctx, rec))
			}

			removed, err := store.CleanupOld(ctx, "thread-1", 2)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"ckpt_00", "ckpt_01", "ckpt_02"}, removed)

			records, err := store.ListByThread(ctx, "thread-1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "ckpt_04", records[0].ID)
			assert.Equal(t, "ckpt_03", records[1].ID)
		})
	}
}

func TestStore_CleanupNoop(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))

			removed, err := store.CleanupOld(ctx, "thread-1", 10)
			require.NoError(t, err)
			assert.Empty(t, removed)

			removed, err = store.CleanupOld(ctx, "thread-nope", 1)
			require.NoError(t, err)
			assert.Empty(t, removed)
		})
	}
}

func TestStore_Ping(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			assert.NoError(t, store.Ping(context.Background()))
		})
	}
}

func TestNewStore_ValidatesConfig(t *testing.T) {
	_, err := NewStore(Config{Backend: "bogus"}, zap.NewNop())
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = NewStore(Config{Backend: BackendFile}, zap.NewNop())
	assert.ErrorAs(t, err, &verr)
}

func TestNewStore_Memory(t *testing.T) {
	cfg := DefaultConfig()
	store, err := NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

// gorm.ErrDuplicatedKey translation is what the database store's insert-only
// semantics lean on.
func TestDatabaseStore_TranslatesDuplicateKey(t *testing.T) {
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "dup.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := NewDatabaseStoreWithDB(db, NewCodec(false), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testRecord("thread-1", "ckpt_a", time.Now().UTC())))

	err = db.Create(&checkpointRow{CheckpointID: "ckpt_a", ThreadID: "thread-1"}).Error
	require.Error(t, err)
	assert.True(t, isDuplicateKey(err) || err == gorm.ErrDuplicatedKey)
}
