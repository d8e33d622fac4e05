// Package arena gives typed, bounds-checked access to a native module's
// linear memory and routes allocation through the module's own allocator
// exports.
//
// Every read and write is little-endian. Offsets are plain uint32 values;
// the arena never interprets them. Allocation failure inside the native
// allocator is not recoverable: Allocate panics with an *errors.Error of
// kind allocation, Alloc returns the same error for callers that want it.
package arena
