// Package transcoder moves host values across the native boundary.
//
// The native module sees only integers and offsets into linear memory, so
// every string, byte slice and struct argument is copied into memory the
// module allocated, and every returned buffer is copied back out:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│ Go value ──Frame.Encode──► (ptr, len) ──► native function   │
//	│ Go value ◄──Decode──────── (ptr, len) ◄── native function   │
//	└─────────────────────────────────────────────────────────────┘
//
// # Encodings
//
//	Encoding   Unit    Native name
//	──────────────────────────────
//	UTF8       1 byte  str8
//	UTF16      2 bytes str16 (little-endian)
//	Latin1     1 byte  ISO-8859-1
//
// Lengths passed to native code count code units, not bytes.
//
// # Key Types
//
//	Frame          - Scratch allocations for one call, freed by Release
//	Slice          - (ptr, len) of an encoded buffer; Splat yields the args
//	Retained       - A slice moved out of its frame to outlive the call
//	GrowthBuffer   - Host-managed output sink the module can grow
//	Enum[T]        - Closed name/discriminant table
//	StructLayout   - Field offsets of a C-laid-out struct
//
// # Scratch Flow
//
//	frame := NewFrame(arena)
//	defer frame.Release()
//	s, err := frame.Encode("1.25", UTF8)
//	results, err := fn.Call(ctx, append(s.Splat(), extra...)...)
//
// A Frame is released whether the call succeeds, fails or traps. Borrowed
// results that keep pointing into an argument must Retain it first.
package transcoder
