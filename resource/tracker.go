package resource

import (
	"runtime"
	"sync"

	"github.com/wippyai/wasm-ffi/errors"
)

var (
	ErrOutstandingBorrow = errors.New(errors.PhaseFinalize, errors.KindOutstandingBorrow).
				Detail("cannot drop resource with outstanding borrows").
				Build()
	ErrClosed = errors.Closed(errors.PhaseRuntime, "resource tracker")
)

// Tracker records live owned handles and borrow counts for one instance.
type Tracker struct {
	live      map[Handle]*core
	observers []Observer
	mu        sync.Mutex
	obsMu     sync.RWMutex
	closed    bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		live: make(map[Handle]*core, 64),
	}
}

// Own wraps a handle the caller received ownership of. edges are values
// the native object keeps pointing into, such as a retained input buffer.
// A second Own of a live handle fails with a duplicate_handle error.
func (t *Tracker) Own(h Handle, typ *Type, edges ...any) (*Ref, error) {
	if h == 0 {
		return nil, errors.InvalidData(errors.PhaseDecode, typePath(typ), "null handle for owned "+typeName(typ))
	}

	c := &core{tracker: t, typ: typ, handle: h, owned: true}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if prev, dup := t.live[h]; dup && prev.state.Load() == stateLive {
		t.mu.Unlock()
		return nil, errors.New(errors.PhaseRuntime, errors.KindDuplicateHandle).
			Path(typePath(typ)...).
			NativeType(typeName(typ)).
			Value(h).
			Detail("handle %#x already has an owner", uint32(h)).
			Build()
	}
	lent, err := lend(edges)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	c.lent = lent
	t.live[h] = c
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, Handle: h, Resource: typ, Owned: true})
	t.notifyLent(lent, EventBorrowed)

	return &Ref{core: c, edges: edges}, nil
}

// Borrow wraps a handle without destruction authority. Every *Ref on edges
// has its borrow count raised until the returned ref is released or
// collected.
func (t *Tracker) Borrow(h Handle, typ *Type, edges ...any) (*Ref, error) {
	if h == 0 {
		return nil, errors.InvalidData(errors.PhaseDecode, typePath(typ), "null handle for borrowed "+typeName(typ))
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	lent, err := lend(edges)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &core{tracker: t, typ: typ, handle: h, lent: lent}
	ref := &Ref{core: c, edges: edges}

	if len(lent) > 0 {
		runtime.AddCleanup(ref, func(c *core) {
			c.finish(stateCollected)
		}, c)
	}

	t.notifyLent(lent, EventBorrowed)
	return ref, nil
}

// Release ends a borrowed ref early, returning its borrow counts. Releasing
// twice is a no-op. Owned refs must be dropped instead.
func (t *Tracker) Release(r *Ref) error {
	if r.core.owned {
		return errors.InvalidInput(errors.PhaseRuntime, "release of owned "+typeName(r.core.typ)+"; use Drop")
	}
	r.core.finish(stateDisposed)
	return nil
}

// Drop retires an owned ref ahead of native destruction. It fails while
// other wrappers borrow from r. Dropping twice is a no-op.
func (t *Tracker) Drop(r *Ref) error {
	c := r.core
	if !c.owned {
		return errors.InvalidInput(errors.PhaseRuntime, "drop of borrowed "+typeName(c.typ))
	}
	if c.state.Load() != stateLive {
		return nil
	}
	if c.borrows.Load() > 0 {
		return ErrOutstandingBorrow
	}
	c.finish(stateDisposed)
	return nil
}

// Collect retires an owned handle whose wrapper became unreachable. It
// reports false when the handle was already retired or is still borrowed
// from, since a borrower keeps its owner reachable.
func (t *Tracker) Collect(h Handle) bool {
	t.mu.Lock()
	c, ok := t.live[h]
	t.mu.Unlock()
	if !ok || c.borrows.Load() > 0 {
		return false
	}
	return c.finish(stateCollected)
}

// IsLive reports whether h has a live owner.
func (t *Tracker) IsLive(h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.live[h]
	return ok
}

// Len returns the number of live owned handles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Subscribe adds an observer for lifecycle events.
func (t *Tracker) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Tracker) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close retires every live owned handle and stops accepting new ones. It
// returns the handles that were still live so the caller can destroy them.
func (t *Tracker) Close() []Handle {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cores := make([]*core, 0, len(t.live))
	for _, c := range t.live {
		cores = append(cores, c)
	}
	t.mu.Unlock()

	handles := make([]Handle, 0, len(cores))
	for _, c := range cores {
		if c.finish(stateDisposed) {
			handles = append(handles, c.handle)
		}
	}
	return handles
}

// finish moves c out of the live state once and returns its borrows.
func (c *core) finish(to uint32) bool {
	if !c.state.CompareAndSwap(stateLive, to) {
		return false
	}

	t := c.tracker
	if c.owned {
		t.mu.Lock()
		if t.live[c.handle] == c {
			delete(t.live, c.handle)
		}
		t.mu.Unlock()

		ev := EventDisposed
		if to == stateCollected {
			ev = EventCollected
		}
		t.notify(Event{Type: ev, Handle: c.handle, Resource: c.typ, Owned: true})
	}

	for _, l := range c.lent {
		l.borrows.Add(-1)
	}
	t.notifyLent(c.lent, EventBorrowReturned)
	return true
}

// lend raises the borrow count of every *Ref among edges. Edges that are
// already retired cannot be borrowed from.
func lend(edges []any) ([]*core, error) {
	var lent []*core
	for _, e := range edges {
		r, ok := e.(*Ref)
		if !ok || r == nil {
			continue
		}
		if r.core.state.Load() != stateLive {
			for _, l := range lent {
				l.borrows.Add(-1)
			}
			return nil, errors.Closed(errors.PhaseRuntime, "borrow from released "+typeName(r.core.typ))
		}
		r.core.borrows.Add(1)
		lent = append(lent, r.core)
	}
	return lent, nil
}

func (t *Tracker) notifyLent(lent []*core, ev EventType) {
	for _, l := range lent {
		t.notify(Event{Type: ev, Handle: l.handle, Resource: l.typ, Owned: l.owned})
	}
}

func (t *Tracker) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}

func typeName(typ *Type) string {
	if typ == nil {
		return "resource"
	}
	return typ.Name
}

func typePath(typ *Type) []string {
	return []string{typeName(typ)}
}
