package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/checkpoint"
)

// Manager exposes the thread operations the checkpoint engine consumes:
// create, exists, get/update state, metadata, and fork materialization.
// State crossing the Manager boundary is always deep-copied, so callers
// can never alias a thread's live state.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a thread manager over the given store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger.With(zap.String("component", "thread_manager")),
	}
}

func newThreadID() string {
	return "thread_" + uuid.NewString()
}

// Create materializes a new thread with the given initial state.
func (m *Manager) Create(ctx context.Context, workflowID, workflowName string, initialState map[string]any) (string, error) {
	now := time.Now().UTC()
	t := &Thread{
		ID:           newThreadID(),
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Status:       StatusActive,
		CurrentState: checkpoint.CloneState(initialState),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	m.logger.Debug("thread created",
		zap.String("thread_id", t.ID),
		zap.String("workflow_id", workflowID),
	)
	return t.ID, nil
}

// CreateForked materializes a new thread diverging from a source thread at
// a checkpoint. The initial state is deep-copied; the fork shares no
// mutable references with its source.
func (m *Manager) CreateForked(ctx context.Context, source *Thread, sourceCheckpointID, branchName string, state map[string]any) (string, error) {
	now := time.Now().UTC()
	t := &Thread{
		ID:                 newThreadID(),
		WorkflowID:         source.WorkflowID,
		WorkflowName:       source.WorkflowName,
		Status:             StatusActive,
		Metadata:           checkpoint.CloneState(source.Metadata),
		CurrentState:       checkpoint.CloneState(state),
		CreatedAt:          now,
		UpdatedAt:          now,
		SourceThreadID:     source.ID,
		SourceCheckpointID: sourceCheckpointID,
		BranchName:         branchName,
		ForkedAt:           now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", fmt.Errorf("failed to create forked thread: %w", err)
	}
	m.logger.Info("thread forked",
		zap.String("thread_id", t.ID),
		zap.String("source_thread_id", source.ID),
		zap.String("source_checkpoint_id", sourceCheckpointID),
		zap.String("branch_name", branchName),
	)
	return t.ID, nil
}

// Exists reports whether the thread is known.
func (m *Manager) Exists(ctx context.Context, threadID string) (bool, error) {
	_, err := m.store.Get(ctx, threadID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Get returns a deep copy of the thread, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, threadID string) (*Thread, error) {
	return m.store.Get(ctx, threadID)
}

// GetState returns a deep copy of the thread's current live state.
func (m *Manager) GetState(ctx context.Context, threadID string) (map[string]any, error) {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return t.CurrentState, nil
}

// UpdateState replaces the thread's current live state.
func (m *Manager) UpdateState(ctx context.Context, threadID string, state map[string]any) error {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	t.CurrentState = checkpoint.CloneState(state)
	t.UpdatedAt = time.Now().UTC()
	return m.store.Update(ctx, t)
}

// UpdateMetadata merges entries into the thread's metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, threadID string, metadata map[string]any) error {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = time.Now().UTC()
	return m.store.Update(ctx, t)
}

// UpdateStatus moves the thread to a new lifecycle status.
func (m *Manager) UpdateStatus(ctx context.Context, threadID string, status Status) error {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return m.store.Update(ctx, t)
}

// Delete removes the thread.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	return m.store.Delete(ctx, threadID)
}

// List returns all threads, newest first.
func (m *Manager) List(ctx context.Context) ([]*Thread, error) {
	return m.store.List(ctx)
}

// GetInfo returns the thread's read-only summary.
func (m *Manager) GetInfo(ctx context.Context, threadID string) (*Info, error) {
	t, err := m.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:                 t.ID,
		WorkflowID:         t.WorkflowID,
		WorkflowName:       t.WorkflowName,
		Status:             t.Status,
		Metadata:           t.Metadata,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		SourceThreadID:     t.SourceThreadID,
		SourceCheckpointID: t.SourceCheckpointID,
		BranchName:         t.BranchName,
	}, nil
}
