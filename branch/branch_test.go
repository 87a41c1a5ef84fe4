package branch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/checkpoint"
	"github.com/BaSui01/threadflow/thread"
)

type testEngine struct {
	checkpoints *checkpoint.Manager
	threads     *thread.Manager
	branches    *Service
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	checkpoints, err := checkpoint.NewManager(checkpoint.DefaultConfig(), checkpoint.NewMemoryStore(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })

	threads := thread.NewManager(thread.NewMemoryStore(zap.NewNop()), zap.NewNop())
	return &testEngine{
		checkpoints: checkpoints,
		threads:     threads,
		branches:    NewService(checkpoints, threads, zap.NewNop()),
	}
}

// seedThread creates a thread with one checkpoint and returns both ids.
func seedThread(t *testing.T, e *testEngine, state map[string]any) (threadID, checkpointID string) {
	t.Helper()
	ctx := context.Background()

	threadID, err := e.threads.Create(ctx, "wf-1", "support-flow", state)
	require.NoError(t, err)

	checkpointID, err = e.checkpoints.CreateCheckpoint(ctx, threadID, "wf-1", state, nil)
	require.NoError(t, err)
	return threadID, checkpointID
}

func TestFork_CreatesIndependentThread(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srcID, ckptID := seedThread(t, e, map[string]any{"topic": "pricing", "step": 3})

	forkID, err := e.branches.Fork(ctx, srcID, ckptID, "experiment")
	require.NoError(t, err)
	assert.NotEqual(t, srcID, forkID)

	fork, err := e.threads.Get(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, srcID, fork.SourceThreadID)
	assert.Equal(t, ckptID, fork.SourceCheckpointID)
	assert.Equal(t, "experiment", fork.BranchName)
	assert.Equal(t, "pricing", fork.CurrentState["topic"])
}

func TestFork_StateIsolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srcID, ckptID := seedThread(t, e, map[string]any{"nested": map[string]any{"k": "v"}})

	forkID, err := e.branches.Fork(ctx, srcID, ckptID, "experiment")
	require.NoError(t, err)

	// advancing one thread never moves the other
	require.NoError(t, e.threads.UpdateState(ctx, forkID, map[string]any{"nested": map[string]any{"k": "fork"}}))

	srcState, err := e.threads.GetState(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, "v", srcState["nested"].(map[string]any)["k"])

	require.NoError(t, e.threads.UpdateState(ctx, srcID, map[string]any{"nested": map[string]any{"k": "source"}}))

	forkState, err := e.threads.GetState(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, "fork", forkState["nested"].(map[string]any)["k"])
}

func TestFork_WritesInitialCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srcID, ckptID := seedThread(t, e, map[string]any{"topic": "pricing"})

	forkID, err := e.branches.Fork(ctx, srcID, ckptID, "experiment")
	require.NoError(t, err)

	records, err := e.checkpoints.ListCheckpoints(ctx, forkID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fork", records[0].Metadata["trigger_reason"])
	assert.Equal(t, "experiment", records[0].Metadata["branch_name"])
	assert.Equal(t, srcID, records[0].Metadata["source_thread_id"])
	assert.Equal(t, ckptID, records[0].Metadata["source_checkpoint_id"])
	assert.Equal(t, "pricing", records[0].StateData["topic"])
}

func TestFork_LeavesSourceHistoryUntouched(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srcID, ckptID := seedThread(t, e, map[string]any{"n": 1})

	before, err := e.checkpoints.ListCheckpoints(ctx, srcID)
	require.NoError(t, err)

	_, err = e.branches.Fork(ctx, srcID, ckptID, "experiment")
	require.NoError(t, err)

	after, err := e.checkpoints.ListCheckpoints(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestFork_UnknownSourceThread(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.branches.Fork(context.Background(), "thread_missing", "ckpt_any", "experiment")
	assert.ErrorIs(t, err, thread.ErrNotFound)
}

func TestFork_UnknownCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	srcID, _ := seedThread(t, e, map[string]any{"n": 1})

	_, err := e.branches.Fork(ctx, srcID, "ckpt_missing", "experiment")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRollback_RestoresLiveState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	threadID, ckptID := seedThread(t, e, map[string]any{"step": "triage"})

	// thread moves on after the checkpoint
	require.NoError(t, e.threads.UpdateState(ctx, threadID, map[string]any{"step": "resolved"}))

	ok, err := e.branches.Rollback(ctx, threadID, ckptID)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := e.threads.GetState(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, "triage", state["step"])
}

func TestRollback_HistoryStaysAppendOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	threadID, firstID := seedThread(t, e, map[string]any{"step": "triage"})
	secondID, err := e.checkpoints.CreateCheckpoint(ctx, threadID, "wf-1", map[string]any{"step": "resolved"}, nil)
	require.NoError(t, err)

	ok, err := e.branches.Rollback(ctx, threadID, firstID)
	require.NoError(t, err)
	require.True(t, ok)

	// both checkpoints survive the rollback
	records, err := e.checkpoints.ListCheckpoints(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	later, err := e.checkpoints.GetCheckpoint(ctx, threadID, secondID)
	require.NoError(t, err)
	require.NotNil(t, later)
	assert.Equal(t, "resolved", later.StateData["step"])
}

func TestRollback_UnknownThread(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.branches.Rollback(context.Background(), "thread_missing", "ckpt_any")
	assert.ErrorIs(t, err, thread.ErrNotFound)
}

func TestRollback_UnknownCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	threadID, _ := seedThread(t, e, map[string]any{"n": 1})

	_, err := e.branches.Rollback(ctx, threadID, "ckpt_missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// failingUpdateStore reads fine but refuses writes, so rollback's state
// write is the only step that fails.
type failingUpdateStore struct {
	thread.Store
}

func (s *failingUpdateStore) Update(ctx context.Context, t *thread.Thread) error {
	return errors.New("disk full")
}

func TestRollback_FailedWriteReturnsFalseNil(t *testing.T) {
	checkpoints, err := checkpoint.NewManager(checkpoint.DefaultConfig(), checkpoint.NewMemoryStore(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkpoints.Close() })

	inner := thread.NewMemoryStore(zap.NewNop())
	threads := thread.NewManager(&failingUpdateStore{Store: inner}, zap.NewNop())
	svc := NewService(checkpoints, threads, zap.NewNop())
	ctx := context.Background()

	// seed through the inner store so Create is not blocked
	threadID, err := thread.NewManager(inner, zap.NewNop()).Create(ctx, "wf-1", "", map[string]any{"n": 1})
	require.NoError(t, err)
	ckptID, err := checkpoints.CreateCheckpoint(ctx, threadID, "wf-1", map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	ok, err := svc.Rollback(ctx, threadID, ckptID)
	assert.NoError(t, err)
	assert.False(t, ok)
}
