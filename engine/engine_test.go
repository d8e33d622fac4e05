package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/testmodule"
	"github.com/wippyai/wasm-ffi/transcoder"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()
	eng, err := New(ctx, config.Default(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { eng.Close(ctx) })
	return eng
}

func instantiateDecimal(t *testing.T, eng *Engine, name string) api.Module {
	t.Helper()
	ctx := context.Background()
	mod, err := eng.Compile(ctx, testmodule.Decimal())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	inst, err := mod.Instantiate(ctx, name)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	return inst
}

func call(t *testing.T, mod api.Module, name string, params ...uint64) []uint64 {
	t.Helper()
	res, err := mod.ExportedFunction(name).Call(context.Background(), params...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestNew_MemoryLimit(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		pages   uint32
		wantErr bool
	}{
		{"default", 0, false},
		{"16MB limit", 256, false},
		{"max", config.MaxMemoryPages, false},
		{"over max", config.MaxMemoryPages + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.MemoryLimitPages = tt.pages
			eng, err := New(ctx, cfg)
			if tt.wantErr {
				if err == nil {
					eng.Close(ctx)
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer eng.Close(ctx)
			if eng.Runtime() == nil {
				t.Error("runtime should not be nil")
			}
		})
	}
}

func TestCompile_MemoryOverLimit(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.MemoryLimitPages = 1
	eng, err := New(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	bin, err := testmodule.Compile(`(module (memory 2))`)
	if err != nil {
		t.Fatal(err)
	}
	mod, err := eng.Compile(ctx, bin)
	if err == nil {
		_, err = mod.Instantiate(ctx, "big")
	}
	if err == nil {
		t.Error("expected memory limit to reject a 2-page module")
	}
}

func TestCompile_Errors(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	if _, err := eng.Compile(ctx, nil); !errors.Is(err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData}) {
		t.Errorf("empty module: got %v", err)
	}
	if _, err := eng.Compile(ctx, []byte("not wasm")); err == nil {
		t.Error("expected compile error for garbage input")
	}
}

func TestCompile_MissingImports(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	bin, err := testmodule.Compile(`(module
  (import "env" "diplomat_console_log_js" (func (param i32 i32)))
  (import "env" "_ZN4icu48calendar4date17h0123456789abcdefE" (func))
  (import "icu4x" "fetch_data" (func (param i32)))
  (import "diplomat_runtime" "buffer_shrink" (func)))`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = eng.Compile(ctx, bin)
	var missing *errors.MissingImportsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingImportsError, got %v", err)
	}
	if len(missing.Imports) != 3 {
		t.Fatalf("missing = %+v, want 3 entries", missing.Imports)
	}
	want := []errors.MissingImport{
		{Namespace: "env", Function: "_ZN4icu48calendar4date17h0123456789abcdefE"},
		{Namespace: "icu4x", Function: "fetch_data"},
		{Namespace: "diplomat_runtime", Function: "buffer_shrink"},
	}
	for i, w := range want {
		if missing.Imports[i] != w {
			t.Errorf("import %d = %+v, want %+v", i, missing.Imports[i], w)
		}
	}
	if msg := err.Error(); !strings.Contains(msg, "icu4::calendar::date") {
		t.Errorf("expected demangled name in %q", msg)
	}
}

func TestCompile_WASI(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	bin, err := testmodule.Compile(`(module
  (import "wasi_snapshot_preview1" "proc_exit" (func (param i32)))
  (memory (export "memory") 1)
  (func (export "answer") (result i32) (i32.const 42)))`)
	if err != nil {
		t.Fatal(err)
	}

	mod, err := eng.Compile(ctx, bin)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	inst, err := mod.Instantiate(ctx, "wasi-user")
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if got := call(t, inst, "answer"); api.DecodeI32(got[0]) != 42 {
		t.Errorf("answer = %d", got[0])
	}
	if eng.Runtime().Module(WASINamespace) == nil {
		t.Error("WASI host module should be instantiated")
	}
}

func TestModule_Exports(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	mod, err := eng.Compile(ctx, testmodule.Decimal())
	if err != nil {
		t.Fatal(err)
	}
	defs := mod.Exports()
	if len(defs) == 0 {
		t.Fatal("expected exports")
	}
	found := false
	for i, d := range defs {
		if i > 0 && defs[i-1].ExportNames()[0] > d.ExportNames()[0] {
			t.Errorf("exports not sorted at %s", d.ExportNames()[0])
		}
		if d.ExportNames()[0] == "Decimal_from_string" {
			found = true
			if n := len(d.ParamTypes()); n != 3 {
				t.Errorf("Decimal_from_string params = %d, want 3", n)
			}
		}
	}
	if !found {
		t.Error("Decimal_from_string not listed")
	}

	if _, err := mod.Instantiate(ctx, ""); err == nil {
		t.Error("expected error for empty instance name")
	}
}

func TestBufferGrow(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	inst := instantiateDecimal(t, eng, "decimal-grow")

	a, err := arena.New(ctx, inst, arena.DefaultExports)
	if err != nil {
		t.Fatal(err)
	}

	dec := call(t, inst, "Decimal_from_int", api.EncodeI64(-1234567890))[0]

	buf, err := transcoder.NewGrowthBuffer(a, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()
	unbind := eng.BindSink(inst.Name(), buf)
	defer unbind()

	call(t, inst, "Decimal_to_string", dec, api.EncodeU32(buf.Ptr()))

	text, err := buf.Text()
	if err != nil {
		t.Fatalf("Text: %v", err)
	}
	if text != "-1234567890" {
		t.Errorf("text = %q", text)
	}
	if buf.Cap() < 11 {
		t.Errorf("cap = %d, want >= 11", buf.Cap())
	}
}

type refusingSink struct {
	Sink
	calls int
}

func (s *refusingSink) Reserve(uint32) bool {
	s.calls++
	return false
}

func TestBufferGrow_Refused(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	eng := newEngine(t, WithLogger(zap.New(core)))
	inst := instantiateDecimal(t, eng, "decimal-refuse")

	a, err := arena.New(ctx, inst, arena.DefaultExports)
	if err != nil {
		t.Fatal(err)
	}
	dec := call(t, inst, "Decimal_from_int", api.EncodeI64(42))[0]

	t.Run("sink refuses", func(t *testing.T) {
		buf, err := transcoder.NewGrowthBuffer(a, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer buf.Release()
		sink := &refusingSink{Sink: buf}
		defer eng.BindSink(inst.Name(), sink)()

		call(t, inst, "Decimal_to_string", dec, api.EncodeU32(buf.Ptr()))
		if sink.calls != 1 {
			t.Errorf("Reserve calls = %d, want 1", sink.calls)
		}
		if !buf.GrowFailed() {
			t.Error("sink should be marked as failed")
		}
		if _, err := buf.Bytes(); !errors.Is(err, &errors.Error{Phase: errors.PhaseDecode, Kind: errors.KindAllocation}) {
			t.Errorf("Bytes after failed grow: %v", err)
		}
	})

	t.Run("unbound sink", func(t *testing.T) {
		buf, err := transcoder.NewGrowthBuffer(a, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer buf.Release()

		call(t, inst, "Decimal_to_string", dec, api.EncodeU32(buf.Ptr()))
		if !buf.GrowFailed() {
			t.Error("unbound sink should be marked as failed")
		}
		if n := logs.FilterMessage("buffer_grow for unbound sink").Len(); n != 1 {
			t.Errorf("warnings = %d, want 1", n)
		}
	})

	t.Run("unbind module", func(t *testing.T) {
		buf, err := transcoder.NewGrowthBuffer(a, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer buf.Release()
		eng.BindSink(inst.Name(), buf)
		eng.UnbindModule(inst.Name())

		call(t, inst, "Decimal_to_string", dec, api.EncodeU32(buf.Ptr()))
		if !buf.GrowFailed() {
			t.Error("sink should be unreachable after UnbindModule")
		}
	})
}

func TestBufferGrow_RoutedByInstance(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	mod, err := eng.Compile(ctx, testmodule.Decimal())
	if err != nil {
		t.Fatal(err)
	}
	first, err := mod.Instantiate(ctx, "decimal-a")
	if err != nil {
		t.Fatal(err)
	}
	second, err := mod.Instantiate(ctx, "decimal-b")
	if err != nil {
		t.Fatal(err)
	}

	a, _ := arena.New(ctx, first, arena.DefaultExports)
	b, _ := arena.New(ctx, second, arena.DefaultExports)

	bufA, _ := transcoder.NewGrowthBuffer(a, 0)
	bufB, _ := transcoder.NewGrowthBuffer(b, 0)
	defer bufA.Release()
	defer bufB.Release()

	// Both sinks usually sit at the same offset in their own memories.
	defer eng.BindSink(first.Name(), bufA)()
	defer eng.BindSink(second.Name(), bufB)()

	decA := call(t, first, "Decimal_from_int", api.EncodeI64(7))[0]
	decB := call(t, second, "Decimal_from_int", api.EncodeI64(-99))[0]
	call(t, first, "Decimal_to_string", decA, api.EncodeU32(bufA.Ptr()))
	call(t, second, "Decimal_to_string", decB, api.EncodeU32(bufB.Ptr()))

	if s, _ := bufA.Text(); s != "7" {
		t.Errorf("first = %q", s)
	}
	if s, _ := bufB.Text(); s != "-99" {
		t.Errorf("second = %q", s)
	}
}

func TestConsole(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	eng := newEngine(t, WithLogger(zap.New(core)))
	inst := instantiateDecimal(t, eng, "decimal-console")

	call(t, inst, "Module_hello")

	entries := logs.FilterMessage("native console").All()
	if len(entries) != 1 {
		t.Fatalf("console entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["message"] != "decimal module ready" {
		t.Errorf("message = %v", fields["message"])
	}
	if fields["module"] != "decimal-console" {
		t.Errorf("module = %v", fields["module"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("level = %s", entries[0].Level)
	}
}

func TestConsole_LevelFiltered(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	eng := newEngine(t, WithLogger(zap.New(core)))
	inst := instantiateDecimal(t, eng, "decimal-quiet")

	call(t, inst, "Module_hello")
	if logs.Len() != 0 {
		t.Errorf("info console output should be filtered, got %d entries", logs.Len())
	}
}

func TestThrowError(t *testing.T) {
	eng := newEngine(t)
	inst := instantiateDecimal(t, eng, "decimal-throw")

	_, err := inst.ExportedFunction("Module_panic").Call(context.Background())
	if err == nil {
		t.Fatal("expected error from diplomat_throw_error_js")
	}

	var e *errors.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *errors.Error in chain, got %v", err)
	}
	if e.Phase != errors.PhaseNative || e.Kind != errors.KindTrap {
		t.Errorf("got %s/%s", e.Phase, e.Kind)
	}
	if !strings.Contains(e.Error(), "decimal panic") {
		t.Errorf("message lost: %v", e)
	}

	// the instance stays usable after a thrown error
	call(t, inst, "Module_hello")
}
