package runtime

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/finalize"
	"github.com/wippyai/wasm-ffi/resource"
)

// Module is a compiled native module. It is safe for concurrent use.
type Module struct {
	runtime  *Runtime
	compiled *engine.Module
	name     string
}

// Name returns the module name given at load time.
func (m *Module) Name() string {
	return m.name
}

// Exports returns the exported function definitions sorted by name.
func (m *Module) Exports() []api.FunctionDefinition {
	return m.compiled.Exports()
}

// Instantiate creates an instance with its own memory, allocator,
// resource tracker and finalization queue.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	r := m.runtime
	name := fmt.Sprintf("%s-%d", m.name, r.seq.Add(1))

	mod, err := m.compiled.Instantiate(ctx, name)
	if err != nil {
		return nil, err
	}

	a, err := arena.New(ctx, mod, arena.Exports{Alloc: r.cfg.AllocExport, Free: r.cfg.FreeExport})
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	logger := r.logger.With(zap.String("module", name))
	inst := &Instance{
		module:  m,
		mod:     mod,
		arena:   a,
		engine:  r.engine,
		tracker: resource.NewTracker(),
		ctrl:    finalize.New(finalize.WithLogger(r.logger), finalize.WithName(name)),
		leases:  make(map[resource.Handle]*finalize.Lease),
		funcs:   make(map[string]api.Function),
		logger:  logger,
		cfg:     r.cfg,
	}
	logger.Debug("instance ready", zap.Uint32("memory", a.Size()))
	return inst, nil
}

// Close releases the compiled code. Instances must be closed first.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
