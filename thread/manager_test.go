package thread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemoryStore(zap.NewNop()), zap.NewNop())
}

func TestManager_CreateAndGet(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "support-flow", map[string]any{"step": "triage"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	th, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, th.ID)
	assert.Equal(t, "wf-1", th.WorkflowID)
	assert.Equal(t, "support-flow", th.WorkflowName)
	assert.Equal(t, StatusActive, th.Status)
	assert.Equal(t, "triage", th.CurrentState["step"])
	assert.Empty(t, th.SourceThreadID)
}

func TestManager_CreateIsolatesInitialState(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	initial := map[string]any{"step": "triage"}
	id, err := mgr.Create(ctx, "wf-1", "", initial)
	require.NoError(t, err)

	initial["step"] = "mutated"

	state, err := mgr.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "triage", state["step"])
}

func TestManager_Exists(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	ok, err := mgr.Exists(ctx, "thread_missing")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := mgr.Create(ctx, "wf-1", "", nil)
	require.NoError(t, err)

	ok, err = mgr.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_UpdateState(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "", map[string]any{"step": "triage"})
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateState(ctx, id, map[string]any{"step": "resolved"}))

	state, err := mgr.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "resolved", state["step"])

	err = mgr.UpdateState(ctx, "thread_missing", map[string]any{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_UpdateMetadataMerges(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateMetadata(ctx, id, map[string]any{"owner": "ops"}))
	require.NoError(t, mgr.UpdateMetadata(ctx, id, map[string]any{"priority": "high"}))

	th, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ops", th.Metadata["owner"])
	assert.Equal(t, "high", th.Metadata["priority"])
}

func TestManager_UpdateStatus(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateStatus(ctx, id, StatusArchived))

	th, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, th.Status)
}

func TestManager_CreateForked(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	srcID, err := mgr.Create(ctx, "wf-1", "support-flow", map[string]any{"step": "triage"})
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateMetadata(ctx, srcID, map[string]any{"owner": "ops"}))

	src, err := mgr.Get(ctx, srcID)
	require.NoError(t, err)

	forkState := map[string]any{"step": "experiment"}
	forkID, err := mgr.CreateForked(ctx, src, "ckpt_1", "variant-a", forkState)
	require.NoError(t, err)
	assert.NotEqual(t, srcID, forkID)

	fork, err := mgr.Get(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, srcID, fork.SourceThreadID)
	assert.Equal(t, "ckpt_1", fork.SourceCheckpointID)
	assert.Equal(t, "variant-a", fork.BranchName)
	assert.Equal(t, "wf-1", fork.WorkflowID)
	assert.Equal(t, "ops", fork.Metadata["owner"])
	assert.False(t, fork.ForkedAt.IsZero())

	// fork and source never alias state
	forkState["step"] = "mutated"
	state, err := mgr.GetState(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, "experiment", state["step"])

	srcState, err := mgr.GetState(ctx, srcID)
	require.NoError(t, err)
	assert.Equal(t, "triage", srcState["step"])
}

func TestManager_Delete(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, id))

	_, err = mgr.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_GetInfo(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "wf-1", "support-flow", map[string]any{"secret": "state"})
	require.NoError(t, err)

	info, err := mgr.GetInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "wf-1", info.WorkflowID)
	assert.Equal(t, "support-flow", info.WorkflowName)
	assert.Equal(t, StatusActive, info.Status)
}

func TestManager_List(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "wf-1", "", nil)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "wf-2", "", nil)
	require.NoError(t, err)

	threads, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}
