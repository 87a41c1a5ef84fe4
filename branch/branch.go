// Package branch layers fork and rollback on top of the checkpoint and
// thread managers. Both operations are compositions of the engine's
// primitives and add no extra blocking of their own.
package branch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/checkpoint"
	"github.com/BaSui01/threadflow/thread"
)

// Service implements branching over an engine instance.
type Service struct {
	checkpoints *checkpoint.Manager
	threads     *thread.Manager
	logger      *zap.Logger
}

// NewService creates the branching service.
func NewService(checkpoints *checkpoint.Manager, threads *thread.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		checkpoints: checkpoints,
		threads:     threads,
		logger:      logger.With(zap.String("component", "branch")),
	}
}

// Fork creates a new thread whose history diverges from sourceThreadID at
// checkpointID. The new thread's initial state is a deep, ownership-
// independent copy of the checkpoint's restored state: mutating either
// thread's live state afterwards never affects the other. The fork point
// is written as the new thread's initial checkpoint, so it is durable and
// restorable on its own.
func (s *Service) Fork(ctx context.Context, sourceThreadID, checkpointID, branchName string) (string, error) {
	source, err := s.threads.Get(ctx, sourceThreadID)
	if err != nil {
		return "", fmt.Errorf("fork source thread %s: %w", sourceThreadID, err)
	}

	rec, err := s.checkpoints.GetCheckpoint(ctx, sourceThreadID, checkpointID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("fork source %s/%s: %w", sourceThreadID, checkpointID, checkpoint.ErrNotFound)
	}

	state, err := s.checkpoints.RestoreFromCheckpoint(ctx, sourceThreadID, checkpointID)
	if err != nil {
		return "", err
	}
	if state == nil {
		state = map[string]any{}
	}

	// RestoreFromCheckpoint already copies, but the fast path may hand back
	// a clone of a state the caller still mutates; copy again so the new
	// thread owns its memory outright.
	forkState := checkpoint.CloneState(state)

	newThreadID, err := s.threads.CreateForked(ctx, source, checkpointID, branchName, forkState)
	if err != nil {
		return "", err
	}

	_, err = s.checkpoints.CreateCheckpoint(ctx, newThreadID, source.WorkflowID, forkState, map[string]any{
		"trigger_reason":       "fork",
		"branch_name":          branchName,
		"source_thread_id":     sourceThreadID,
		"source_checkpoint_id": checkpointID,
	})
	if err != nil {
		// The fork point must be durable; undo the half-created thread so
		// callers can retry cleanly.
		if derr := s.threads.Delete(ctx, newThreadID); derr != nil {
			s.logger.Error("failed to roll back forked thread",
				zap.String("thread_id", newThreadID),
				zap.Error(derr),
			)
		}
		return "", err
	}

	s.logger.Info("thread forked",
		zap.String("source_thread_id", sourceThreadID),
		zap.String("checkpoint_id", checkpointID),
		zap.String("new_thread_id", newThreadID),
		zap.String("branch_name", branchName),
	)
	return newThreadID, nil
}

// Rollback replaces the thread's current live state with the checkpoint's
// state. History stays append-only: no record is deleted or rewritten, the
// checkpoint simply becomes the new present. A failed state write returns
// false so callers may retry without unwinding; an absent thread or
// checkpoint is an error.
func (s *Service) Rollback(ctx context.Context, threadID, checkpointID string) (bool, error) {
	if _, err := s.threads.Get(ctx, threadID); err != nil {
		return false, fmt.Errorf("rollback thread %s: %w", threadID, err)
	}

	rec, err := s.checkpoints.GetCheckpoint(ctx, threadID, checkpointID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("rollback target %s/%s: %w", threadID, checkpointID, checkpoint.ErrNotFound)
	}

	state, err := s.checkpoints.RestoreFromCheckpoint(ctx, threadID, checkpointID)
	if err != nil {
		return false, err
	}
	if state == nil {
		state = map[string]any{}
	}

	if err := s.threads.UpdateState(ctx, threadID, state); err != nil {
		s.logger.Warn("rollback state write failed",
			zap.String("thread_id", threadID),
			zap.String("checkpoint_id", checkpointID),
			zap.Error(err),
		)
		return false, nil
	}

	s.logger.Info("thread rolled back",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", checkpointID),
	)
	return true, nil
}
