package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/errors"
)

// Sink is a host write buffer the module can ask to grow.
type Sink interface {
	Ptr() uint32
	Reserve(capacity uint32) bool
}

// Engine wraps a wazero runtime with the diplomat host modules installed.
type Engine struct {
	runtime wazero.Runtime
	logger  *zap.Logger
	sinks   map[string]map[uint32]Sink

	sinksMu  sync.RWMutex
	hostMu   sync.Mutex
	hostDone atomic.Bool
	wasiMu   sync.Mutex
	wasiDone atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for host imports and diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an engine. MemoryLimitPages from cfg caps every instance's
// linear memory; 0 keeps the wazero default.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if cfg.MemoryLimitPages > config.MaxMemoryPages {
		return nil, errors.Overflow(errors.PhaseConfig, []string{"memory_limit_pages"}, cfg.MemoryLimitPages, "wasm32 memory")
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		logger:  Logger(),
		sinks:   make(map[string]map[uint32]Sink),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Runtime returns the underlying wazero runtime.
func (e *Engine) Runtime() wazero.Runtime {
	return e.runtime
}

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Module is a compiled native module whose imports all resolve.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	wasi     bool
}

// Compile validates wasm, installs the host modules it needs and checks
// that every imported function is provided.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	if len(wasm) == 0 {
		return nil, errors.Load("empty module", nil)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile failed", err)
	}

	if missing := missingImports(compiled); len(missing) > 0 {
		_ = compiled.Close(ctx)
		return nil, errors.NewMissingImportsError(missing)
	}

	m := &Module{engine: e, compiled: compiled, wasi: importsNamespace(compiled, WASINamespace)}
	if err := e.initHostModules(ctx); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	if m.wasi {
		if err := e.initWASI(ctx); err != nil {
			_ = compiled.Close(ctx)
			return nil, err
		}
	}
	return m, nil
}

// Exports returns the exported function definitions sorted by name.
func (m *Module) Exports() []api.FunctionDefinition {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]api.FunctionDefinition, len(names))
	for i, name := range names {
		out[i] = defs[name]
	}
	return out
}

// Instantiate creates a named instance. The name routes buffer_grow calls
// back to this instance's sinks, so it must be unique within the engine.
func (m *Module) Instantiate(ctx context.Context, name string) (api.Module, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "instance name is required")
	}

	modCfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	if m.wasi {
		modCfg = modCfg.WithStartFunctions("_initialize")
	}

	mod, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	m.engine.logger.Debug("instantiated native module", zap.String("module", name))
	return mod, nil
}

// Close releases the compiled code.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// BindSink makes s reachable from buffer_grow calls issued by the named
// instance. The returned function removes the binding.
func (e *Engine) BindSink(module string, s Sink) (unbind func()) {
	ptr := s.Ptr()

	e.sinksMu.Lock()
	bySink := e.sinks[module]
	if bySink == nil {
		bySink = make(map[uint32]Sink)
		e.sinks[module] = bySink
	}
	bySink[ptr] = s
	e.sinksMu.Unlock()

	return func() {
		e.sinksMu.Lock()
		defer e.sinksMu.Unlock()
		if bySink := e.sinks[module]; bySink != nil && bySink[ptr] == s {
			delete(bySink, ptr)
			if len(bySink) == 0 {
				delete(e.sinks, module)
			}
		}
	}
}

// UnbindModule drops every sink bound for the named instance.
func (e *Engine) UnbindModule(module string) {
	e.sinksMu.Lock()
	delete(e.sinks, module)
	e.sinksMu.Unlock()
}

func (e *Engine) sink(module string, ptr uint32) Sink {
	e.sinksMu.RLock()
	defer e.sinksMu.RUnlock()
	return e.sinks[module][ptr]
}
