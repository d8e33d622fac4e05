// Package resource tracks ownership of native handles.
//
// A Handle is an offset the native module handed out for one of its opaque
// objects. The host never dereferences it; it only passes it back.
//
// # Owned and Borrowed
//
//	Own     - the wrapper has destruction authority; exactly one per live handle
//	Borrow  - the wrapper may use the handle but never destroys it
//
// A borrowed wrapper keeps an edge set: ordinary Go references to the values
// it depends on, usually the owner it was obtained from. While the borrower
// is reachable, so is everything on its edges, transitively.
//
//	tracker := resource.NewTracker()
//
//	owner, err := tracker.Own(h, pairType)
//	first, err := tracker.Borrow(firstHandle, decimalType, owner)
//
//	tracker.Drop(owner)   // ErrOutstandingBorrow while first is live
//	tracker.Release(first)
//	tracker.Drop(owner)   // ok
//
// # Borrow Counts
//
// Every *Ref on a wrapper's edges has its borrow count raised for as long as
// that wrapper lives. Counts are returned by Release, by Drop of an owned
// wrapper, or when the wrapper is collected. An owner with outstanding
// borrows refuses Drop.
//
// # Observers
//
// Lifecycle events are published to subscribed observers:
//
//	tracker.Subscribe(obs)
//	// EventCreated, EventBorrowed, EventBorrowReturned,
//	// EventDisposed, EventCollected
//
// Collection of borrowed wrappers is reported from the Go runtime's cleanup
// goroutine, so observers must be safe for concurrent use.
//
// The tracker never calls native code. Destroying the native object is the
// job of the finalize package.
package resource
