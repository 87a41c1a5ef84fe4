package threadflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/threadflow"
	"github.com/BaSui01/threadflow/checkpoint"
)

func TestNew_DefaultsToMemory(t *testing.T) {
	eng, err := threadflow.New()
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	threadID, err := eng.Threads.Create(ctx, "wf-1", "demo", map[string]any{"step": 1})
	require.NoError(t, err)

	ckptID, err := eng.Checkpoints.CreateCheckpoint(ctx, threadID, "wf-1", map[string]any{"step": 1}, nil)
	require.NoError(t, err)

	forkID, err := eng.Branches.Fork(ctx, threadID, ckptID, "variant")
	require.NoError(t, err)
	assert.NotEqual(t, threadID, forkID)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := checkpoint.DefaultConfig()
	cfg.Backend = checkpoint.BackendSQLite
	cfg.DSN = ""

	_, err := threadflow.New(threadflow.WithConfig(cfg))
	assert.Error(t, err)
}

func TestNew_WithPrebuiltStore(t *testing.T) {
	eng, err := threadflow.New(threadflow.WithStore(checkpoint.NewMemoryStore(nil)))
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Checkpoints.CreateCheckpoint(context.Background(), "thread-1", "wf-1", map[string]any{"n": 1}, nil)
	assert.NoError(t, err)
}
