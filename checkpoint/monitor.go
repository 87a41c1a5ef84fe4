package checkpoint

import (
	"context"
	"time"
)

// OperationToken carries a started operation through to EndOperation.
// Implementations may attach their own payload.
type OperationToken struct {
	Operation  string
	ThreadID   string
	WorkflowID string
	StartedAt  time.Time
	Payload    any
}

// Monitor records operation start/end for observability. Calls are
// fire-and-forget: implementations must never panic or block the
// operation they observe, and the engine ignores anything they return.
type Monitor interface {
	StartOperation(ctx context.Context, operation, threadID, workflowID string) OperationToken
	EndOperation(token OperationToken, success bool)
}

// CacheMonitor is an optional Monitor extension tracking read cache
// effectiveness. The engine type-asserts for it; monitors without it
// simply see no cache events.
type CacheMonitor interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// NopMonitor discards all events.
type NopMonitor struct{}

func (NopMonitor) StartOperation(_ context.Context, operation, threadID, workflowID string) OperationToken {
	return OperationToken{
		Operation:  operation,
		ThreadID:   threadID,
		WorkflowID: workflowID,
		StartedAt:  time.Now(),
	}
}

func (NopMonitor) EndOperation(OperationToken, bool) {}

var _ Monitor = NopMonitor{}
