package checkpoint

import (
	"context"
)

// Events materializes the thread's checkpoint history as a finite slice of
// event records in creation order (oldest first). The slice is a fresh copy
// on every call: iterating it twice, or from two goroutines, shares nothing.
func (m *Manager) Events(ctx context.Context, threadID string) ([]Event, error) {
	records, err := m.ListCheckpoints(ctx, threadID)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(records))
	// ListCheckpoints is newest first; walk backwards for creation order.
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		event := Event{
			CheckpointID: rec.ID,
			ThreadID:     rec.ThreadID,
			WorkflowID:   rec.WorkflowID,
			Type:         "created",
			OccurredAt:   rec.CreatedAt,
			Metadata:     rec.Metadata,
		}
		if reason, ok := rec.Metadata["trigger_reason"].(string); ok {
			event.TriggerReason = reason
		}
		events = append(events, event)
	}
	return events, nil
}
