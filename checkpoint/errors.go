package checkpoint

import (
	"errors"
	"fmt"
)

// Common errors shared by every store backend.
var (
	// ErrNotFound 检查点或线程不存在
	ErrNotFound = errors.New("checkpoint not found")

	// ErrAlreadyExists 检查点 ID 已存在
	ErrAlreadyExists = errors.New("checkpoint already exists")

	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidInput 输入无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrDisabled 检查点功能未启用
	ErrDisabled = errors.New("checkpointing is disabled")
)

// StorageError wraps a backend read/write failure. Write paths surface it so
// multi-step flows (fork, rollback, auto-save-then-cleanup) can abort instead
// of proceeding on corrupted state.
type StorageError struct {
	Op      string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed on %s backend: %v", e.Op, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with operation and backend context.
func NewStorageError(op, backend string, err error) *StorageError {
	return &StorageError{Op: op, Backend: backend, Err: err}
}

// ValidationError reports malformed configuration, e.g. a durable backend
// selected without a location.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

// SerializationError reports a state value that could not be converted to its
// portable form. The serializer degrades such values instead of failing the
// write, so this error is logged, never returned from the save path.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize field %q: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err signals an absent checkpoint or thread.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
