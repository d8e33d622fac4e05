package resource

import (
	"sync/atomic"
)

// Handle is an opaque offset identifying a native object.
// Handle 0 is never valid.
type Handle uint32

// Type describes an opaque native type.
type Type struct {
	// Name is the native type name, e.g. "FixedDecimal".
	Name string

	// Destructor is the export that destroys an owned handle.
	Destructor string
}

// EventType identifies a resource lifecycle notification.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDisposed
	EventCollected
	EventBorrowed
	EventBorrowReturned
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventDisposed:
		return "disposed"
	case EventCollected:
		return "collected"
	case EventBorrowed:
		return "borrowed"
	case EventBorrowReturned:
		return "borrow_returned"
	default:
		return "unknown"
	}
}

// Event represents a resource lifecycle event.
type Event struct {
	Resource *Type
	Handle   Handle
	Type     EventType
	Owned    bool
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

const (
	stateLive uint32 = iota
	stateDisposed
	stateCollected
)

// core is the part of a wrapper the tracker and cleanups may hold without
// keeping the wrapper itself reachable.
type core struct {
	tracker *Tracker
	typ     *Type
	handle  Handle
	owned   bool

	state   atomic.Uint32
	borrows atomic.Int32
	lent    []*core
}

// Ref wraps one handle. Owned refs carry destruction authority; borrowed
// refs keep their edges reachable.
type Ref struct {
	core  *core
	edges []any
}

// Handle returns the native handle.
func (r *Ref) Handle() Handle { return r.core.handle }

// Type returns the native type.
func (r *Ref) Type() *Type { return r.core.typ }

// TypeName returns the native type name.
func (r *Ref) TypeName() string { return typeName(r.core.typ) }

// Owned reports whether the ref has destruction authority.
func (r *Ref) Owned() bool { return r.core.owned }

// Live reports whether the ref has been neither dropped nor released.
func (r *Ref) Live() bool { return r.core.state.Load() == stateLive }

// Borrows returns the number of live wrappers that borrow from r.
func (r *Ref) Borrows() int { return int(r.core.borrows.Load()) }

// Edges returns the values r keeps reachable.
func (r *Ref) Edges() []any {
	return append([]any(nil), r.edges...)
}

func (r *Ref) String() string {
	name := typeName(r.core.typ)
	mode := "borrowed"
	if r.core.owned {
		mode = "owned"
	}
	return name + "(" + mode + ")"
}
