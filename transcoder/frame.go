package transcoder

import (
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/transcoder/internal/abi"
)

// Arena is the memory a Frame allocates from.
type Arena interface {
	Memory
	Allocator
}

type Allocation struct {
	Ptr   uint32
	Size  uint32
	Align uint32
}

// Slice is an encoded buffer in linear memory. Len counts code units.
type Slice struct {
	Ptr   uint32
	Len   uint32
	Size  uint32
	Align uint32
}

// Splat returns the (ptr, len) argument pair.
func (s Slice) Splat() []uint64 {
	return []uint64{api.EncodeU32(s.Ptr), api.EncodeU32(s.Len)}
}

// Frame owns the scratch allocations of a single native call.
type Frame struct {
	arena       Arena
	allocations []Allocation
}

var framePool = sync.Pool{
	New: func() any {
		return &Frame{allocations: make([]Allocation, 0, 8)}
	},
}

const maxPooledFrameCapacity = 128

// NewFrame takes a frame from the pool bound to arena.
func NewFrame(arena Arena) *Frame {
	f := framePool.Get().(*Frame)
	f.arena = arena
	return f
}

// Alloc reserves scratch memory. Exhaustion panics with an allocation error.
func (f *Frame) Alloc(size, align uint32) uint32 {
	ptr, err := f.arena.Alloc(size, align)
	if err != nil {
		panic(err)
	}
	f.allocations = append(f.allocations, Allocation{Ptr: ptr, Size: size, Align: align})
	return ptr
}

// Encode transcodes s and copies it into scratch memory. Encoding failures
// are reported before anything is allocated.
func (f *Frame) Encode(s string, enc Encoding) (Slice, error) {
	data, count, err := enc.encode(s)
	if err != nil {
		return Slice{}, err
	}
	return f.place(data, count, enc.UnitSize())
}

// Bytes copies b into scratch memory as a slice of u8.
func (f *Frame) Bytes(b []byte) (Slice, error) {
	if len(b) > abi.MaxAlloc {
		return Slice{}, errors.Overflow(errors.PhaseEncode, nil, len(b), "[]u8")
	}
	return f.place(b, uint32(len(b)), 1)
}

func (f *Frame) place(data []byte, count, align uint32) (Slice, error) {
	size := uint32(len(data))
	ptr := f.Alloc(size, align)
	if size > 0 {
		if err := f.arena.Write(ptr, data); err != nil {
			return Slice{}, err
		}
	}
	return Slice{Ptr: ptr, Len: count, Size: size, Align: align}, nil
}

// Retain moves s out of the frame so Release leaves it alone. The caller
// becomes responsible for freeing it.
func (f *Frame) Retain(s Slice) *Retained {
	for i, a := range f.allocations {
		if a.Ptr == s.Ptr && a.Size == s.Size {
			f.allocations = append(f.allocations[:i], f.allocations[i+1:]...)
			break
		}
	}
	return &Retained{arena: f.arena, slice: s, freed: new(atomic.Bool)}
}

// Count returns the number of live scratch allocations.
func (f *Frame) Count() int {
	return len(f.allocations)
}

// Release frees every scratch allocation and returns the frame to the pool.
// The frame must not be used afterwards.
func (f *Frame) Release() {
	for _, a := range f.allocations {
		if a.Ptr != 0 {
			f.arena.Free(a.Ptr, a.Size, a.Align)
		}
	}
	f.allocations = f.allocations[:0]
	f.arena = nil

	// Only pool small frames to prevent memory bloat
	if cap(f.allocations) > maxPooledFrameCapacity {
		return
	}
	framePool.Put(f)
}

// Retained is an argument buffer kept alive past its call because a result
// still points into it.
type Retained struct {
	arena Arena
	slice Slice
	freed *atomic.Bool
}

// Slice returns the retained buffer.
func (r *Retained) Slice() Slice {
	return r.slice
}

// Freed reports whether the buffer has been freed.
func (r *Retained) Freed() bool {
	return r.freed.Load()
}

// Free releases the buffer once; later calls do nothing.
func (r *Retained) Free() {
	r.Releaser()()
}

// Releaser returns a function equivalent to Free that holds no reference
// to r, so it can run from a cleanup attached to r.
func (r *Retained) Releaser() func() {
	arena, s, freed := r.arena, r.slice, r.freed
	return func() {
		if !freed.CompareAndSwap(false, true) {
			return
		}
		arena.Free(s.Ptr, s.Size, s.Align)
	}
}
