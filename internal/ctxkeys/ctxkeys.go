// Package ctxkeys holds the context keys shared between the HTTP layer and
// component loggers.
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	threadIDKey  contextKey = "thread_id"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithThreadID 设置线程 ID
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey, threadID)
}

// ThreadID 获取线程 ID
func ThreadID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(threadIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
