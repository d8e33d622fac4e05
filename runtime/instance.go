package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/finalize"
	"github.com/wippyai/wasm-ffi/resource"
	"github.com/wippyai/wasm-ffi/transcoder"
)

// Instance is a running native module.
// It is NOT safe for concurrent use: one goroutine drives it and at most
// one native call is in flight.
type Instance struct {
	module  *Module
	mod     api.Module
	arena   *arena.Arena
	engine  *engine.Engine
	tracker *resource.Tracker
	ctrl    *finalize.Controller
	leases  map[resource.Handle]*finalize.Lease
	funcs   map[string]api.Function
	logger  *zap.Logger
	cfg     config.Config

	leaseMu sync.Mutex
	inCall  atomic.Bool
	closed  atomic.Bool
}

// Outcome is the decoded result of Invoke.
type Outcome struct {
	// Value holds scalars as their Go type, strings, and struct Records.
	Value any

	// Ref is set for handle results. An owned Ref is destroyed through
	// Instance.Dispose or collection, never directly.
	Ref *resource.Ref

	layout *transcoder.StructLayout

	// Present is false when an optional result was absent.
	Present bool
}

// Text returns a string result.
func (o *Outcome) Text() string {
	s, _ := o.Value.(string)
	return s
}

// Record returns a struct result.
func (o *Outcome) Record() transcoder.Record {
	rec, _ := o.Value.(transcoder.Record)
	return rec
}

// Into copies a struct result into out, a pointer to a tagged Go struct.
func (o *Outcome) Into(out any) error {
	rec, ok := o.Value.(transcoder.Record)
	if !ok || o.layout == nil {
		return errors.TypeMismatch(errors.PhaseDecode, nil, fmt.Sprintf("%T", o.Value), "struct")
	}
	return o.layout.Assign(rec, out)
}

// Name returns the instance name, unique within its runtime.
func (i *Instance) Name() string { return i.mod.Name() }

// Module returns the module the instance was created from.
func (i *Instance) Module() *Module { return i.module }

// Config returns the configuration the instance runs with.
func (i *Instance) Config() config.Config { return i.cfg }

// Arena returns the instance's memory and allocator.
func (i *Instance) Arena() *arena.Arena { return i.arena }

// Tracker returns the instance's handle tracker.
func (i *Instance) Tracker() *resource.Tracker { return i.tracker }

// Stats counts the owned handles of an instance.
type Stats struct {
	// Live handles are registered and not yet destroyed.
	Live int
	// Pending handles were collected and wait for the next call or Collect.
	Pending   int
	Destroyed int64
}

// Stats returns the instance's finalization counters.
func (i *Instance) Stats() Stats {
	return Stats{
		Live:      i.ctrl.Live(),
		Pending:   i.ctrl.Pending(),
		Destroyed: i.ctrl.Destroyed(),
	}
}

// NewFrame returns a scratch frame for one call's arguments.
func (i *Instance) NewFrame() *transcoder.Frame {
	return transcoder.NewFrame(i.arena)
}

func (i *Instance) enter(name string) error {
	if i.closed.Load() {
		return errors.Closed(errors.PhaseRuntime, "instance "+i.Name())
	}
	if !i.inCall.CompareAndSwap(false, true) {
		return errors.Reentrant(name)
	}
	return nil
}

func (i *Instance) leave() {
	i.inCall.Store(false)
}

func (i *Instance) function(name string) (api.Function, error) {
	if fn, ok := i.funcs[name]; ok {
		return fn, nil
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	i.funcs[name] = fn
	return fn, nil
}

// drain runs queued destructors. Failures are logged by the controller.
func (i *Instance) drain(ctx context.Context) {
	if i.ctrl.Pending() == 0 {
		return
	}
	if _, err := i.ctrl.Drain(ctx); err != nil {
		i.logger.Debug("finalization drain reported errors", zap.Error(err))
	}
}

// Call invokes an export with raw parameters and returns its raw results.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := i.enter(name); err != nil {
		return nil, err
	}
	defer i.leave()

	if i.cfg.DrainBeforeCall {
		i.drain(ctx)
	}

	fn, err := i.function(name)
	if err != nil {
		return nil, err
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Trap(name, err)
	}
	return res, nil
}

// Invoke calls op.Name with args and decodes the result. When op needs an
// envelope it is allocated and passed first; a String result appends a
// write sink as the last argument. edges are kept reachable by a returned
// handle, and any *resource.Ref among them cannot be disposed while that
// handle is alive.
//
// A native failure is returned as *errors.NativeError. An absent optional
// result yields an Outcome with Present == false.
func (i *Instance) Invoke(ctx context.Context, op Op, args []uint64, edges ...any) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := op.validate(); err != nil {
		return nil, err
	}
	if err := i.enter(op.Name); err != nil {
		return nil, err
	}
	defer i.leave()

	if i.cfg.DrainBeforeCall {
		i.drain(ctx)
	}

	fn, err := i.function(op.Name)
	if err != nil {
		return nil, err
	}

	a := i.arena.WithContext(ctx)
	env, enveloped := op.Envelope()

	params := make([]uint64, 0, len(args)+2)
	var ret uint32
	if enveloped {
		ret = a.Allocate(env.Size, env.Align)
		defer a.Free(ret, env.Size, env.Align)
		params = append(params, api.EncodeU32(ret))
	}
	params = append(params, args...)

	var (
		sink  *transcoder.GrowthBuffer
		write *transcoder.NativeWriteBuffer
	)
	switch op.Returns.Kind {
	case ShapeString:
		sink, err = transcoder.NewGrowthBuffer(a, i.cfg.GrowthCapacity)
		if err != nil {
			return nil, err
		}
		defer sink.Release()
		defer i.engine.BindSink(i.Name(), sink)()
		params = append(params, api.EncodeU32(sink.Ptr()))

	case ShapeNativeString:
		write, err = transcoder.NewNativeWriteBuffer(ctx, i.mod, a, i.cfg.GrowthCapacity)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := write.Release(ctx); err != nil {
				i.logger.Warn("native write buffer not released", zap.String("op", op.Name), zap.Error(err))
			}
		}()
		params = append(params, api.EncodeU32(write.Ptr()))
	}

	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Trap(op.Name, err)
	}

	if env.Flagged {
		flag, err := a.ReadU8(ret + env.Flag)
		if err != nil {
			return nil, err
		}
		if flag == 0 {
			if op.Errors != nil {
				return nil, op.Errors.decode(op.Name, a, ret)
			}
			return &Outcome{}, nil
		}
	}

	out := &Outcome{Present: true}
	switch op.Returns.Kind {
	case ShapeUnit:

	case ShapeScalar:
		if enveloped {
			out.Value, err = readScalar(a, ret, op.Returns.Scalar)
			if err != nil {
				return nil, err
			}
		} else {
			if len(results) == 0 {
				return nil, errors.TypeMismatch(errors.PhaseDecode, []string{op.Name}, op.Returns.String(), "no result")
			}
			out.Value = liftScalar(op.Returns.Scalar, results[0])
		}

	case ShapeHandle:
		var h uint32
		if enveloped {
			if h, err = a.ReadU32(ret); err != nil {
				return nil, err
			}
		} else {
			if len(results) == 0 {
				return nil, errors.TypeMismatch(errors.PhaseDecode, []string{op.Name}, op.Returns.String(), "no result")
			}
			h = api.DecodeU32(results[0])
		}
		if h == 0 {
			if op.Optional {
				return &Outcome{}, nil
			}
			return nil, errors.InvalidData(errors.PhaseDecode, []string{op.Name}, "null handle for "+op.Returns.String())
		}
		out.Ref, _, err = i.wrap(resource.Handle(h), op.Returns, edges)
		if err != nil {
			if op.Returns.Owned && !duplicate(err) {
				i.discard(ctx, resource.Handle(h), op.Returns.Resource)
			}
			return nil, err
		}

	case ShapeStruct:
		rec, err := op.Returns.Layout.Decode(a, ret)
		if err != nil {
			return nil, err
		}
		out.Value = rec
		out.layout = op.Returns.Layout

	case ShapeString:
		text, err := sink.Text()
		if err != nil {
			return nil, err
		}
		out.Value = text

	case ShapeNativeString:
		text, err := write.Text(ctx)
		if err != nil {
			return nil, err
		}
		out.Value = text
	}
	return out, nil
}

func duplicate(err error) bool {
	var e *errors.Error
	return errors.As(err, &e) && e.Kind == errors.KindDuplicateHandle
}

// discard destroys a fresh handle that could not be wrapped. A duplicate
// is left alone since the handle belongs to its live owner.
func (i *Instance) discard(ctx context.Context, h resource.Handle, typ *resource.Type) {
	if err := i.destroyer(h, typ)(ctx); err != nil {
		i.logger.Warn("unwrapped handle not destroyed",
			zap.String("type", i.typeName(typ)),
			zap.Uint32("handle", uint32(h)),
			zap.Error(err))
	}
}

func readScalar(a *arena.Arena, ptr uint32, k transcoder.FieldKind) (any, error) {
	var raw uint64
	switch k.Size() {
	case 1:
		v, err := a.ReadU8(ptr)
		if err != nil {
			return nil, err
		}
		raw = uint64(v)
	case 2:
		v, err := a.ReadU16(ptr)
		if err != nil {
			return nil, err
		}
		raw = uint64(v)
	case 4:
		v, err := a.ReadU32(ptr)
		if err != nil {
			return nil, err
		}
		raw = uint64(v)
	default:
		v, err := a.ReadU64(ptr)
		if err != nil {
			return nil, err
		}
		raw = v
	}
	return liftScalar(k, raw), nil
}

// Own wraps a handle obtained outside Invoke and registers it for
// destruction.
func (i *Instance) Own(h resource.Handle, typ *resource.Type, edges ...any) (*resource.Ref, error) {
	ref, _, err := i.wrap(h, Owned(typ), edges)
	return ref, err
}

// Borrow wraps a handle without destruction authority.
func (i *Instance) Borrow(h resource.Handle, typ *resource.Type, edges ...any) (*resource.Ref, error) {
	ref, _, err := i.wrap(h, Borrowed(typ), edges)
	return ref, err
}

func (i *Instance) wrap(h resource.Handle, s Shape, edges []any) (*resource.Ref, *finalize.Lease, error) {
	if !s.Owned {
		ref, err := i.tracker.Borrow(h, s.Resource, edges...)
		return ref, nil, err
	}

	ref, err := i.tracker.Own(h, s.Resource, edges...)
	if err != nil {
		return nil, nil, err
	}
	lease, err := finalize.Register(i.ctrl, ref, uint32(h), i.destroyer(h, s.Resource))
	if err != nil {
		_ = i.tracker.Drop(ref)
		i.logger.Warn("owned handle could not be registered",
			zap.String("type", ref.TypeName()),
			zap.Uint32("handle", uint32(h)),
			zap.Error(err))
		return nil, nil, err
	}

	i.leaseMu.Lock()
	i.leases[h] = lease
	i.leaseMu.Unlock()
	return ref, lease, nil
}

// destroyer calls the type's destructor export. It must not capture the
// wrapper, only what identifies the native object.
func (i *Instance) destroyer(h resource.Handle, typ *resource.Type) finalize.Destroy {
	return func(ctx context.Context) error {
		i.tracker.Collect(h)
		i.forget(h)

		if typ == nil || typ.Destructor == "" {
			return errors.NotFound(errors.PhaseFinalize, "destructor", i.typeName(typ))
		}
		fn := i.mod.ExportedFunction(typ.Destructor)
		if fn == nil {
			return errors.NotFound(errors.PhaseFinalize, "destructor", typ.Destructor)
		}
		if _, err := fn.Call(ctx, api.EncodeU32(uint32(h))); err != nil {
			return errors.Trap(typ.Destructor, err)
		}
		return nil
	}
}

func (i *Instance) typeName(typ *resource.Type) string {
	if typ == nil {
		return "resource"
	}
	return typ.Name
}

func (i *Instance) forget(h resource.Handle) {
	i.leaseMu.Lock()
	delete(i.leases, h)
	i.leaseMu.Unlock()
}

func (i *Instance) lease(h resource.Handle) *finalize.Lease {
	i.leaseMu.Lock()
	defer i.leaseMu.Unlock()
	return i.leases[h]
}

// Dispose ends ref now. An owned ref is destroyed unless something still
// borrows from it; a borrowed ref returns its borrows. Disposing twice is a
// no-op.
func (i *Instance) Dispose(ctx context.Context, ref *resource.Ref) error {
	if ref == nil {
		return nil
	}
	if !ref.Owned() {
		return i.tracker.Release(ref)
	}
	if !ref.Live() {
		return nil
	}

	if err := i.enter("dispose " + ref.TypeName()); err != nil {
		return err
	}
	defer i.leave()

	if err := i.tracker.Drop(ref); err != nil {
		return err
	}
	if lease := i.lease(ref.Handle()); lease != nil {
		return lease.Dispose(ctx)
	}
	return nil
}

// Collect destroys handles whose wrappers were garbage collected since the
// last call. It returns how many were destroyed.
func (i *Instance) Collect(ctx context.Context) (int, error) {
	if err := i.enter("collect"); err != nil {
		return 0, err
	}
	defer i.leave()
	return i.ctrl.Drain(ctx)
}

// Retain moves s out of frame and keeps it until the returned value is
// unreachable. Pass it as an edge to the result that points into it.
func (i *Instance) Retain(frame *transcoder.Frame, s transcoder.Slice) (*transcoder.Retained, error) {
	kept := frame.Retain(s)
	if s.Size == 0 {
		return kept, nil
	}
	free := kept.Releaser()
	_, err := finalize.Register(i.ctrl, kept, s.Ptr, func(context.Context) error {
		free()
		return nil
	})
	if err != nil {
		free()
		return nil, err
	}
	return kept, nil
}

// NewGrowthBuffer creates a write sink the module can grow during a call.
// The returned release function unbinds and frees it.
func (i *Instance) NewGrowthBuffer(capacity uint32) (*transcoder.GrowthBuffer, func(), error) {
	buf, err := transcoder.NewGrowthBuffer(i.arena, capacity)
	if err != nil {
		return nil, nil, err
	}
	unbind := i.engine.BindSink(i.Name(), buf)
	return buf, func() {
		unbind()
		buf.Release()
	}, nil
}

// NewNativeWriteBuffer asks the module for a sink it manages itself.
func (i *Instance) NewNativeWriteBuffer(ctx context.Context, capacity uint32) (*transcoder.NativeWriteBuffer, error) {
	if err := i.enter(transcoder.WriteCreate); err != nil {
		return nil, err
	}
	defer i.leave()
	return transcoder.NewNativeWriteBuffer(ctx, i.mod, i.arena, capacity)
}

// Close destroys every live owned handle and releases the instance.
// Closing twice is a no-op.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed.Load() {
		return nil
	}
	if !i.inCall.CompareAndSwap(false, true) {
		return errors.Reentrant("close " + i.Name())
	}
	defer i.leave()
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := i.ctrl.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if orphans := i.tracker.Close(); len(orphans) > 0 {
		i.logger.Warn("owned handles without a lease at close", zap.Int("count", len(orphans)))
	}
	i.engine.UnbindModule(i.Name())

	live, bytes := i.arena.Outstanding()
	i.logger.Debug("instance closed",
		zap.Int64("destroyed", i.ctrl.Destroyed()),
		zap.Int64("outstanding_allocations", live),
		zap.Int64("outstanding_bytes", bytes))

	if err := i.mod.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
