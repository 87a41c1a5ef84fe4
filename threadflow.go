// Package threadflow provides a top-level convenience entry point for
// embedding the checkpoint engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/threadflow"
//
//	eng, err := threadflow.New()
//	eng, err := threadflow.New(threadflow.WithConfig(cfg), threadflow.WithLogger(logger))
//
// The zero-option form runs fully in memory; point Config at a durable
// backend for anything that must survive a restart.
package threadflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/threadflow/branch"
	"github.com/BaSui01/threadflow/checkpoint"
	"github.com/BaSui01/threadflow/thread"
)

// Engine bundles the three collaborating managers behind one handle.
type Engine struct {
	// Checkpoints is the checkpoint engine: create, read, list, restore,
	// auto-save, cleanup, copy, export/import, events.
	Checkpoints *checkpoint.Manager

	// Threads manages the execution contexts checkpoints belong to.
	Threads *thread.Manager

	// Branches layers Fork and Rollback over the two managers.
	Branches *branch.Service
}

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	cfg         checkpoint.Config
	store       checkpoint.Store
	threadStore thread.Store
	logger      *zap.Logger
	engineOpts  []checkpoint.Option
}

// WithConfig replaces the default checkpoint configuration.
func WithConfig(cfg checkpoint.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithStore sets a pre-built checkpoint store, skipping backend construction
// from the configuration.
func WithStore(store checkpoint.Store) Option {
	return func(o *options) { o.store = store }
}

// WithThreadStore sets a pre-built thread store.
func WithThreadStore(store thread.Store) Option {
	return func(o *options) { o.threadStore = store }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCache enables the checkpoint read cache.
func WithCache(cache checkpoint.Cache) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, checkpoint.WithCache(cache)) }
}

// WithMonitor attaches an operation monitor.
func WithMonitor(monitor checkpoint.Monitor) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, checkpoint.WithMonitor(monitor)) }
}

// WithPolicy replaces the default auto-save policy.
func WithPolicy(policy checkpoint.Policy) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, checkpoint.WithPolicy(policy)) }
}

// New creates an engine. With no options it runs on in-memory stores with
// the default configuration.
func New(opts ...Option) (*Engine, error) {
	o := &options{
		cfg:    checkpoint.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = checkpoint.NewStore(o.cfg, o.logger)
		if err != nil {
			return nil, fmt.Errorf("create checkpoint store: %w", err)
		}
	}

	engineOpts := append([]checkpoint.Option{checkpoint.WithLogger(o.logger)}, o.engineOpts...)
	checkpoints, err := checkpoint.NewManager(o.cfg, store, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint manager: %w", err)
	}

	threadStore := o.threadStore
	if threadStore == nil {
		threadStore = thread.NewMemoryStore(o.logger)
	}
	threads := thread.NewManager(threadStore, o.logger)

	return &Engine{
		Checkpoints: checkpoints,
		Threads:     threads,
		Branches:    branch.NewService(checkpoints, threads, o.logger),
	}, nil
}

// Close releases the engine's stores.
func (e *Engine) Close() error {
	return e.Checkpoints.Close()
}
