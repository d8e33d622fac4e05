// Package finalize destroys native objects owned by Go wrappers, either
// explicitly through Lease.Dispose or after the wrapper becomes unreachable.
//
// Go cleanups run on a runtime goroutine while a native call may be in
// progress, so they never touch the module. A cleanup only queues its
// lease; the instance drains the queue on its own goroutine between calls.
//
//	ctrl := finalize.New()
//	lease, err := finalize.Register(ctrl, ref, handle, destroy)
//	...
//	ctrl.Drain(ctx)        // before each native call
//	lease.Dispose(ctx)     // deterministic destruction
//	ctrl.Close(ctx)        // instance teardown
//
// Each lease moves from live to exactly one of disposed or collected, so
// the destroy function runs at most once.
package finalize

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
)

// Destroy releases one native object. It must not reference the wrapper
// it was registered for, or the wrapper can never be collected.
type Destroy func(ctx context.Context) error

// State is the lifecycle state of a lease.
type State uint32

const (
	StateLive State = iota
	StateDisposed
	StateCollected
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDisposed:
		return "disposed"
	case StateCollected:
		return "collected"
	default:
		return "unknown"
	}
}

// Owner is implemented by wrappers that know whether they own their handle.
type Owner interface {
	Owned() bool
}

// Lease ties one owned handle to its destroy function.
type Lease struct {
	ctrl    *Controller
	destroy Destroy
	cleanup runtime.Cleanup
	name    string
	handle  uint32
	state   atomic.Uint32
	done    atomic.Bool
}

// Handle returns the leased handle.
func (l *Lease) Handle() uint32 { return l.handle }

// State returns the current lifecycle state.
func (l *Lease) State() State { return State(l.state.Load()) }

// Dispose destroys the handle now. The pending cleanup is cancelled so
// collection later does nothing. A second Dispose returns nil.
func (l *Lease) Dispose(ctx context.Context) error {
	if !l.state.CompareAndSwap(uint32(StateLive), uint32(StateDisposed)) {
		return nil
	}
	l.cleanup.Stop()
	return l.ctrl.run(ctx, l)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithName labels log output, usually with the module name.
func WithName(name string) Option {
	return func(c *Controller) {
		c.name = name
	}
}

// Controller owns the leases of one instance.
type Controller struct {
	logger  *zap.Logger
	live    map[uint32]*Lease
	pending []*Lease
	name    string

	mu        sync.Mutex
	pendingMu sync.Mutex
	closed    bool

	destroyed atomic.Int64
}

// New creates an empty controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		logger: Logger(),
		live:   make(map[uint32]*Lease, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register arranges for destroy to run once obj is unreachable, unless the
// returned lease is disposed first. Each live handle may be registered
// once; a wrapper reporting Owned() == false is rejected.
func Register[T any](c *Controller, obj *T, handle uint32, destroy Destroy) (*Lease, error) {
	if obj == nil {
		return nil, errors.NilPointer(errors.PhaseFinalize, nil, "wrapper")
	}
	if o, ok := any(obj).(Owner); ok && !o.Owned() {
		return nil, errors.InvalidInput(errors.PhaseFinalize, "borrowed wrappers cannot be registered for finalization")
	}
	if handle == 0 {
		return nil, errors.InvalidData(errors.PhaseFinalize, nil, "null handle")
	}
	if destroy == nil {
		return nil, errors.NilPointer(errors.PhaseFinalize, nil, "finalize.Destroy")
	}

	l := &Lease{ctrl: c, destroy: destroy, handle: handle, name: typeLabel(obj)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Closed(errors.PhaseFinalize, "finalization controller")
	}
	if _, dup := c.live[handle]; dup {
		c.mu.Unlock()
		return nil, errors.New(errors.PhaseFinalize, errors.KindDuplicateHandle).
			GoType(fmt.Sprintf("%T", obj)).
			Value(handle).
			Detail("handle %#x is already registered", handle).
			Build()
	}
	c.live[handle] = l
	c.mu.Unlock()

	l.cleanup = runtime.AddCleanup(obj, (*Lease).collect, l)
	return l, nil
}

// collect runs on the runtime's cleanup goroutine. It must not block and
// must not call into the module.
func (l *Lease) collect() {
	if !l.state.CompareAndSwap(uint32(StateLive), uint32(StateCollected)) {
		return
	}
	c := l.ctrl
	c.pendingMu.Lock()
	c.pending = append(c.pending, l)
	c.pendingMu.Unlock()
}

// Pending returns the number of collected leases awaiting Drain.
func (c *Controller) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Live returns the number of registered leases not yet destroyed.
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Destroyed returns how many handles this controller has destroyed.
func (c *Controller) Destroyed() int64 {
	return c.destroyed.Load()
}

// Drain destroys every queued lease. It must run on the goroutine that
// drives native calls, never during one. Destroy errors are logged and
// joined; draining continues past them.
func (c *Controller) Drain(ctx context.Context) (int, error) {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	var errs []error
	for _, l := range batch {
		if err := c.run(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	if len(batch) > 0 {
		c.logger.Debug("drained finalization queue",
			zap.String("module", c.name),
			zap.Int("count", len(batch)),
			zap.Int("failed", len(errs)))
	}
	return len(batch), errors.Join(errs...)
}

// Close destroys everything still live, queued or not, and rejects
// further registrations.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	leases := make([]*Lease, 0, len(c.live))
	for _, l := range c.live {
		leases = append(leases, l)
	}
	c.mu.Unlock()

	_, drainErr := c.Drain(ctx)
	errs := []error{drainErr}
	for _, l := range leases {
		if err := l.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// A lease collected after the first drain was skipped by Dispose and
	// queued. No lease is live any more, so nothing can be queued after this.
	if _, err := c.Drain(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) run(ctx context.Context, l *Lease) error {
	if !l.done.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.live[l.handle] == l {
		delete(c.live, l.handle)
	}
	c.mu.Unlock()

	err := l.destroy(ctx)
	c.destroyed.Add(1)
	if err != nil {
		c.logger.Warn("native destructor failed",
			zap.String("module", c.name),
			zap.String("type", l.name),
			zap.Uint32("handle", l.handle),
			zap.String("state", l.State().String()),
			zap.Error(err))
		return errors.Wrap(errors.PhaseFinalize, errors.KindTrap, err, "destroy "+l.name)
	}
	c.logger.Debug("destroyed native handle",
		zap.String("module", c.name),
		zap.String("type", l.name),
		zap.Uint32("handle", l.handle),
		zap.String("state", l.State().String()))
	return nil
}

func typeLabel(obj any) string {
	if s, ok := obj.(interface{ TypeName() string }); ok {
		return s.TypeName()
	}
	return "handle"
}
