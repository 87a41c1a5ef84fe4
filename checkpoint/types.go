package checkpoint

import (
	"time"
)

// Record is an immutable, timestamped snapshot of a thread's execution state.
// A record is created once and never mutated; "updating" state means creating
// a new record. Within a thread, (CreatedAt, ID) defines the total order used
// for "latest" and history.
type Record struct {
	ID         string         `json:"id"`
	ThreadID   string         `json:"thread_id"`
	WorkflowID string         `json:"workflow_id"`
	StateData  map[string]any `json:"state_data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the record with no shared mutable state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.StateData = CloneState(r.StateData)
	out.Metadata = CloneState(r.Metadata)
	return &out
}

// Metadata describes why and where a checkpoint was taken.
type Metadata struct {
	CheckpointID  string         `json:"checkpoint_id"`
	ThreadID      string         `json:"thread_id"`
	WorkflowID    string         `json:"workflow_id"`
	StepCount     int            `json:"step_count"`
	NodeName      string         `json:"node_name,omitempty"`
	TriggerReason string         `json:"trigger_reason,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Custom        map[string]any `json:"custom,omitempty"`
}

// Map flattens the metadata into the open map carried on a Record.
func (m Metadata) Map() map[string]any {
	out := map[string]any{
		"checkpoint_id":  m.CheckpointID,
		"thread_id":      m.ThreadID,
		"workflow_id":    m.WorkflowID,
		"step_count":     m.StepCount,
		"trigger_reason": m.TriggerReason,
	}
	if m.NodeName != "" {
		out["node_name"] = m.NodeName
	}
	if len(m.Tags) > 0 {
		out["tags"] = append([]string(nil), m.Tags...)
	}
	for k, v := range m.Custom {
		out[k] = v
	}
	return out
}

// StepContext carries the information the save policy needs to decide whether
// the current step warrants a checkpoint.
type StepContext struct {
	ThreadID      string
	WorkflowID    string
	NodeName      string
	TriggerReason string
	State         map[string]any
}

// Event is one entry of a thread's checkpoint history, materialized from the
// store in creation order. Events carry no iterator state; callers may range
// over the slice as many times as they like.
type Event struct {
	CheckpointID  string         `json:"checkpoint_id"`
	ThreadID      string         `json:"thread_id"`
	WorkflowID    string         `json:"workflow_id"`
	Type          string         `json:"type"`
	TriggerReason string         `json:"trigger_reason,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ExportedRecord is the portable wire form produced by ExportCheckpoint and
// accepted by ImportCheckpoint. The original checkpoint id travels along for
// provenance but is never trusted on import; a fresh id is always minted.
type ExportedRecord struct {
	SourceID        string         `json:"source_id"`
	SourceThreadID  string         `json:"source_thread_id"`
	WorkflowID      string         `json:"workflow_id"`
	StateData       map[string]any `json:"state_data"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	SourceCreatedAt time.Time      `json:"source_created_at"`
	ExportedAt      time.Time      `json:"exported_at"`
	SchemaVersion   int            `json:"schema_version"`
}

// exportSchemaVersion is bumped when ExportedRecord changes shape.
const exportSchemaVersion = 1
