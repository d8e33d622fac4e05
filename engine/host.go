package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-ffi/errors"
)

// Host module and import names.
const (
	RuntimeNamespace = "diplomat_runtime"
	EnvNamespace     = "env"
	WASINamespace    = wasi_snapshot_preview1.ModuleName

	BufferGrow = "buffer_grow"
	ThrowError = "diplomat_throw_error_js"
)

// consoleLevels maps the console imports to zap levels.
var consoleLevels = map[string]zapcore.Level{
	"diplomat_console_log_js":   zapcore.InfoLevel,
	"diplomat_console_debug_js": zapcore.DebugLevel,
	"diplomat_console_info_js":  zapcore.InfoLevel,
	"diplomat_console_warn_js":  zapcore.WarnLevel,
	"diplomat_console_error_js": zapcore.ErrorLevel,
}

// maxConsoleMessage bounds how much of a console message is copied.
const maxConsoleMessage = 64 << 10

var i32 = api.ValueTypeI32

// initHostModules instantiates diplomat_runtime and env once per engine.
func (e *Engine) initHostModules(ctx context.Context) error {
	if e.hostDone.Load() {
		return nil
	}

	e.hostMu.Lock()
	defer e.hostMu.Unlock()

	if e.hostDone.Load() {
		return nil
	}

	if e.runtime.Module(RuntimeNamespace) == nil {
		_, err := e.runtime.NewHostModuleBuilder(RuntimeNamespace).
			NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(e.bufferGrow), []api.ValueType{i32, i32}, []api.ValueType{i32}).
			WithParameterNames("sink", "capacity").
			Export(BufferGrow).
			Instantiate(ctx)
		if err != nil {
			return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate "+RuntimeNamespace)
		}
	}

	if e.runtime.Module(EnvNamespace) == nil {
		builder := e.runtime.NewHostModuleBuilder(EnvNamespace)
		for name, level := range consoleLevels {
			builder = builder.NewFunctionBuilder().
				WithGoModuleFunction(e.console(level), []api.ValueType{i32, i32}, nil).
				WithParameterNames("ptr", "len").
				Export(name)
		}
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(throwError), []api.ValueType{i32, i32}, nil).
			WithParameterNames("ptr", "len").
			Export(ThrowError)
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate "+EnvNamespace)
		}
	}

	e.hostDone.Store(true)
	return nil
}

// initWASI instantiates wasi_snapshot_preview1. Safe for concurrent calls.
func (e *Engine) initWASI(ctx context.Context) error {
	if e.wasiDone.Load() {
		return nil
	}

	e.wasiMu.Lock()
	defer e.wasiMu.Unlock()

	if e.wasiDone.Load() {
		return nil
	}

	if e.runtime.Module(WASINamespace) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			if e.runtime.Module(WASINamespace) == nil {
				return errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate WASI")
			}
		}
	}

	e.wasiDone.Store(true)
	return nil
}

// bufferGrow resolves the calling instance's sink and asks it for room.
func (e *Engine) bufferGrow(_ context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	capacity := api.DecodeU32(stack[1])

	s := e.sink(mod.Name(), ptr)
	if s == nil {
		e.logger.Warn("buffer_grow for unbound sink",
			zap.String("module", mod.Name()),
			zap.Uint32("sink", ptr),
			zap.Uint32("capacity", capacity))
		stack[0] = 0
		return
	}

	if !s.Reserve(capacity) {
		e.logger.Debug("write sink could not grow",
			zap.String("module", mod.Name()),
			zap.Uint32("sink", ptr),
			zap.Uint32("capacity", capacity))
		stack[0] = 0
		return
	}
	stack[0] = 1
}

func (e *Engine) console(level zapcore.Level) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		ce := e.logger.Check(level, "native console")
		if ce == nil {
			return
		}
		msg, ok := readMessage(mod, stack)
		if !ok {
			msg = "<unreadable>"
		}
		ce.Write(zap.String("module", mod.Name()), zap.String("message", msg))
	}
}

// throwError aborts the running export. wazero recovers the panic and
// returns it from the export's Call.
func throwError(_ context.Context, mod api.Module, stack []uint64) {
	msg, ok := readMessage(mod, stack)
	if !ok {
		msg = fmt.Sprintf("unreadable message at %#x", api.DecodeU32(stack[0]))
	}
	panic(errors.New(errors.PhaseNative, errors.KindTrap).
		Value(msg).
		Detail("%s: %s", mod.Name(), msg).
		Build())
}

func readMessage(mod api.Module, stack []uint64) (string, bool) {
	ptr := api.DecodeU32(stack[0])
	n := api.DecodeU32(stack[1])
	if n > maxConsoleMessage {
		n = maxConsoleMessage
	}
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	b, ok := mem.Read(ptr, n)
	if !ok {
		return "", false
	}
	return string(b), true
}
