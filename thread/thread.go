package thread

import (
	"time"

	"github.com/BaSui01/threadflow/checkpoint"
)

// Status describes a thread's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// Thread is a long-lived, uniquely identified execution context whose state
// evolves across checkpoints. A forked thread additionally carries
// provenance back to the checkpoint it diverged from.
type Thread struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CurrentState map[string]any `json:"current_state"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Fork provenance; empty on threads created from scratch.
	SourceThreadID     string    `json:"source_thread_id,omitempty"`
	SourceCheckpointID string    `json:"source_checkpoint_id,omitempty"`
	BranchName         string    `json:"branch_name,omitempty"`
	ForkedAt           time.Time `json:"forked_at,omitempty"`
}

// Clone returns a deep copy sharing no mutable state with the original.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Metadata = checkpoint.CloneState(t.Metadata)
	out.CurrentState = checkpoint.CloneState(t.CurrentState)
	return &out
}

// Info is the read-only summary returned by Manager.GetInfo.
type Info struct {
	ID                 string         `json:"id"`
	WorkflowID         string         `json:"workflow_id"`
	WorkflowName       string         `json:"workflow_name,omitempty"`
	Status             Status         `json:"status"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	SourceThreadID     string         `json:"source_thread_id,omitempty"`
	SourceCheckpointID string         `json:"source_checkpoint_id,omitempty"`
	BranchName         string         `json:"branch_name,omitempty"`
}
