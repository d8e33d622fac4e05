// Package engine hosts native modules on wazero.
//
// An Engine owns one wazero runtime and the host modules every diplomat
// module expects:
//
//	diplomat_runtime  buffer_grow(sink, capacity) -> i32
//	env               diplomat_console_{log,debug,info,warn,error}_js(ptr, len)
//	                  diplomat_throw_error_js(ptr, len)
//	wasi_snapshot_preview1 (only when a module imports it)
//
// # Loading
//
//	eng, err := engine.New(ctx, cfg)
//	mod, err := eng.Compile(ctx, wasmBytes)   // rejects unresolved imports
//	inst, err := mod.Instantiate(ctx, "decimal-1")
//
// Compile checks every imported function against the host modules and
// returns *errors.MissingImportsError listing what is absent.
//
// # Write sinks
//
// buffer_grow is called by the module while one of its exports is
// running. The engine routes it by the caller's instance name to the sink
// registered with BindSink, whose Reserve method decides the outcome. An
// unknown sink gets 0, so the module marks it as failed.
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use. The wazero module returned
// by Instantiate is driven by one goroutine at a time.
package engine
