package runtime

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
)

// Runtime loads native modules into a shared wazero engine.
type Runtime struct {
	engine *engine.Engine
	logger *zap.Logger
	cfg    config.Config
	seq    atomic.Uint64
}

type options struct {
	logger *zap.Logger
	cfg    config.Config
}

// Option configures a Runtime.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger shared by the runtime, its engine and its
// instances.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates a runtime. Without WithConfig it uses config.Default.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{cfg: config.Default(), logger: Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, o.cfg, engine.WithLogger(o.logger))
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	return &Runtime{
		engine: eng,
		logger: o.logger,
		cfg:    o.cfg,
	}, nil
}

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Load compiles a native module named "module".
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Module, error) {
	return r.LoadNamed(ctx, "module", wasm)
}

// LoadNamed compiles a native module. The name prefixes instance names and
// log output.
func (r *Runtime) LoadNamed(ctx context.Context, name string, wasm []byte) (*Module, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "module name is required")
	}

	compiled, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("loaded native module", zap.String("module", name))
	return &Module{
		runtime:  r,
		compiled: compiled,
		name:     name,
	}, nil
}
