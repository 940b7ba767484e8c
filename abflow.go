// Package abflow provides a top-level convenience entry point for embedding
// the split-test decision engine in another Go program.
//
// Usage:
//
//	import "github.com/BaSui01/abflow"
//
//	svc := abflow.New(abflow.WithMemoryStore())
//	svc := abflow.New(abflow.WithStore(myStore), abflow.WithLogger(logger))
//
// This is a thin wrapper around [experiment.NewService]; both produce
// identical results. Use this package when you prefer the shorter import path.
package abflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	store  experiment.Store
	logger *zap.Logger
	opts   []experiment.Option
}

// WithStore sets the backing experiment store.
func WithStore(store experiment.Store) Option {
	return func(o *options) { o.store = store }
}

// WithMemoryStore uses the in-memory store. Suitable for tests and local
// development; data does not survive restarts.
func WithMemoryStore() Option {
	return func(o *options) { o.store = experiment.NewMemoryStore() }
}

// WithLogger sets the zap logger used by the engine.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithServiceOptions forwards additional [experiment.Option] values
// (metrics, assignment cache, analytics notifier, assignment TTL).
func WithServiceOptions(opts ...experiment.Option) Option {
	return func(o *options) { o.opts = append(o.opts, opts...) }
}

// New creates an [experiment.Service] with minimal configuration.
// Without options it runs on the in-memory store with a noop logger.
func New(opts ...Option) *experiment.Service {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.store == nil {
		o.store = experiment.NewMemoryStore()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return experiment.NewService(o.store, o.logger, o.opts...)
}
