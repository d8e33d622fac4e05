// Package wasmffi is the host-side runtime beneath generated Go wrappers for
// native libraries compiled to core WebAssembly (diplomat-style bindings such
// as ICU4X).
//
// The native module only exposes a linear memory and exported functions that
// take and return integer offsets. This library supplies everything the
// wrappers share: ownership tracking of native handles, marshalling of
// strings, structs and enumerations, fallible-call envelopes, and reclamation
// of native resources once a Go wrapper becomes unreachable.
//
// # Architecture Overview
//
//	wasmffi/             Root package with core Memory and Allocator interfaces
//	├── runtime/         Runtime, Module, Instance; Invoke and Result envelopes
//	├── engine/          wazero integration and host imports
//	├── arena/           Typed access to linear memory, allocate/free
//	├── transcoder/      Strings, scratch frames, growth buffers, structs, enums
//	├── resource/        Owned and borrowed handle wrappers with edge sets
//	├── finalize/        GC-driven and explicit destruction of owned handles
//	├── config/          Environment configuration
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	inst, err := mod.Instantiate(ctx)
//	defer inst.Close(ctx)
//
//	frame := inst.NewFrame()
//	defer frame.Release()
//	s, err := frame.Encode("1.25", transcoder.UTF8)
//	out, err := inst.Invoke(ctx, fromStringOp, s.Splat())
//	// out.Ref is an owned handle, destroyed on Dispose or collection.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. Instance is NOT thread-safe:
// it allows a single native call in flight and must be driven by one
// goroutine. Finalization callbacks only enqueue work; destruction runs on the
// instance's goroutine between native calls.
//
// # Memory Model
//
// Every scratch allocation is released by the frame that created it. Output
// buffers are released right after they are read. Owned handles are destroyed
// exactly once: by Dispose, by collection, or at Instance.Close.
package wasmffi
