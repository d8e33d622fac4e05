// Package runtime drives native modules that follow the diplomat calling
// convention.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mod.Close(ctx)
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
// # Declaring Exports
//
// An Op tells Invoke how an export returns its value. The return area, or
// envelope, is allocated in linear memory and passed as the first argument
// when the value does not fit a direct return:
//
//	var fromString = runtime.Op{
//	    Name:    "FixedDecimal_from_string",
//	    Returns: runtime.Owned(decimalType),
//	    Errors:  runtime.EnumErrors(parseErrors),
//	}
//
//	frame := inst.NewFrame()
//	defer frame.Release()
//	s, _ := frame.Encode("1.25", transcoder.UTF8)
//	out, err := inst.Invoke(ctx, fromString, s.Splat())
//	if errors.Is(err, errors.Variant("FixedDecimalParseError", "Syntax")) {
//	    // malformed input; no handle was created
//	}
//
// String results are written by the module into a write sink that Invoke
// appends as the last argument and grows on request. NativeString results
// use a sink the module creates and grows itself; Invoke hands it back
// through diplomat_buffer_write_destroy whether or not the call succeeds.
//
// # Handles
//
// An owned handle returned by Invoke is tracked by the instance and
// destroyed exactly once: by Dispose, when its Ref becomes unreachable and
// the next call or Collect drains the queue, or by Close. Borrowed handles
// pass the values they point into as edges, which keeps them reachable and
// blocks Dispose of an owner while a borrow is alive.
//
// Destructors never run inside another native call. The garbage collector
// only queues them. Stats reports how many handles are live, queued and
// destroyed.
//
// # Concurrency
//
// Runtime and Module are safe for concurrent use. An Instance is driven by
// one goroutine; a second call while one is in flight fails with
// KindReentrantCall. So does Close, which would otherwise run destructors
// underneath the running call.
package runtime
