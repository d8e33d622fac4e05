package arena

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/errors"
)

// Allocator export names.
const (
	DiplomatAlloc = "diplomat_alloc"
	DiplomatFree  = "diplomat_free"
	CabiRealloc   = "cabi_realloc"
)

// Exports names the allocator functions to resolve.
type Exports struct {
	Alloc string
	Free  string
}

// DefaultExports are the diplomat allocator names.
var DefaultExports = Exports{Alloc: DiplomatAlloc, Free: DiplomatFree}

var (
	_ wasmffi.Memory      = (*Arena)(nil)
	_ wasmffi.Allocator   = (*Arena)(nil)
	_ wasmffi.MemorySizer = (*Arena)(nil)
)

// Arena is the linear memory of one module instance plus its allocator.
type Arena struct {
	ctx     context.Context
	mem     api.Memory
	alloc   api.Function
	free    api.Function
	realloc bool
	stats   *counters
}

type counters struct {
	live  atomic.Int64
	bytes atomic.Int64
}

// New resolves memory and allocator exports from mod. When the configured
// alloc/free pair is missing the arena falls back to cabi_realloc.
func New(ctx context.Context, mod api.Module, exports Exports) (*Arena, error) {
	if mod == nil {
		return nil, errors.NilPointer(errors.PhaseRuntime, nil, "api.Module")
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.NotFound(errors.PhaseLoad, "memory", "memory")
	}

	a := &Arena{ctx: ctx, mem: mem, stats: &counters{}}

	if exports.Alloc == "" {
		exports = DefaultExports
	}
	alloc := mod.ExportedFunction(exports.Alloc)
	free := mod.ExportedFunction(exports.Free)
	if alloc != nil && free != nil {
		a.alloc, a.free = alloc, free
		return a, nil
	}

	if realloc := mod.ExportedFunction(CabiRealloc); realloc != nil {
		a.alloc = realloc
		a.realloc = true
		return a, nil
	}

	return nil, errors.NotFound(errors.PhaseLoad, "allocator export", exports.Alloc)
}

// Wrap builds an arena over raw memory without an allocator. Allocation
// through it fails; typed access works.
func Wrap(mem api.Memory) *Arena {
	if mem == nil {
		return nil
	}
	return &Arena{ctx: context.Background(), mem: mem, stats: &counters{}}
}

// WithContext returns a shallow copy that issues allocator calls with ctx.
// Counters are shared with the parent.
func (a *Arena) WithContext(ctx context.Context) *Arena {
	return &Arena{ctx: ctx, mem: a.mem, alloc: a.alloc, free: a.free, realloc: a.realloc, stats: a.stats}
}

// Memory returns the underlying wazero memory.
func (a *Arena) Memory() api.Memory {
	return a.mem
}

// Size returns the current size of linear memory in bytes.
func (a *Arena) Size() uint32 {
	return a.mem.Size()
}

// Outstanding reports allocations made through this arena and not yet freed.
func (a *Arena) Outstanding() (count, bytes int64) {
	return a.stats.live.Load(), a.stats.bytes.Load()
}

// Alloc reserves size bytes aligned to align. A zero size returns a
// non-zero dangling pointer equal to align without calling the module.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if size == 0 {
		return align, nil
	}
	if size > MaxAlloc {
		return 0, errors.AllocationFailed(errors.PhaseRuntime, size, align)
	}
	if a.alloc == nil {
		return 0, errors.NotInitialized(errors.PhaseRuntime, "allocator")
	}

	var (
		results []uint64
		err     error
	)
	if a.realloc {
		results, err = a.alloc.Call(a.ctx, 0, 0, uint64(align), uint64(size))
	} else {
		results, err = a.alloc.Call(a.ctx, uint64(size), uint64(align))
	}
	if err != nil {
		return 0, errors.New(errors.PhaseRuntime, errors.KindAllocation).
			Detail("allocate %d bytes (align %d)", size, align).
			Cause(err).
			Build()
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errors.AllocationFailed(errors.PhaseRuntime, size, align)
	}

	a.stats.live.Add(1)
	a.stats.bytes.Add(int64(size))
	return uint32(results[0]), nil
}

// Allocate is Alloc for callers that treat exhaustion as fatal.
func (a *Arena) Allocate(size, align uint32) wasmffi.Ptr {
	ptr, err := a.Alloc(size, align)
	if err != nil {
		panic(err)
	}
	return ptr
}

// Free releases a block obtained from Alloc. Freeing 0 or a zero-sized
// block is a no-op. Errors from the native free are dropped: a failing
// destructor leaves nothing the host can repair.
func (a *Arena) Free(ptr, size, align uint32) {
	if ptr == 0 || size == 0 || a.alloc == nil {
		return
	}
	if a.realloc {
		_, _ = a.alloc.Call(a.ctx, uint64(ptr), uint64(size), uint64(align), 0)
	} else {
		_, _ = a.free.Call(a.ctx, uint64(ptr), uint64(size), uint64(align))
	}
	a.stats.live.Add(-1)
	a.stats.bytes.Add(-int64(size))
}

// MaxAlloc bounds a single allocation request.
const MaxAlloc = 1 << 30

func oob(offset, length uint32) error {
	return errors.OutOfBounds(errors.PhaseRuntime, nil, int(offset), int(length))
}

// Read returns a view of length bytes at offset. The view aliases linear
// memory and is invalidated by the next memory growth.
func (a *Arena) Read(offset, length uint32) ([]byte, error) {
	data, ok := a.mem.Read(offset, length)
	if !ok {
		return nil, oob(offset, length)
	}
	return data, nil
}

// ReadCopy returns a copy of length bytes at offset.
func (a *Arena) ReadCopy(offset, length uint32) ([]byte, error) {
	data, err := a.Read(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (a *Arena) Write(offset uint32, data []byte) error {
	if !a.mem.Write(offset, data) {
		return oob(offset, uint32(len(data)))
	}
	return nil
}

func (a *Arena) ReadU8(offset uint32) (uint8, error) {
	v, ok := a.mem.ReadByte(offset)
	if !ok {
		return 0, oob(offset, 1)
	}
	return v, nil
}

func (a *Arena) ReadU16(offset uint32) (uint16, error) {
	v, ok := a.mem.ReadUint16Le(offset)
	if !ok {
		return 0, oob(offset, 2)
	}
	return v, nil
}

func (a *Arena) ReadU32(offset uint32) (uint32, error) {
	v, ok := a.mem.ReadUint32Le(offset)
	if !ok {
		return 0, oob(offset, 4)
	}
	return v, nil
}

func (a *Arena) ReadU64(offset uint32) (uint64, error) {
	v, ok := a.mem.ReadUint64Le(offset)
	if !ok {
		return 0, oob(offset, 8)
	}
	return v, nil
}

func (a *Arena) ReadI32(offset uint32) (int32, error) {
	v, err := a.ReadU32(offset)
	return int32(v), err
}

func (a *Arena) ReadI64(offset uint32) (int64, error) {
	v, err := a.ReadU64(offset)
	return int64(v), err
}

func (a *Arena) ReadF32(offset uint32) (float32, error) {
	v, ok := a.mem.ReadFloat32Le(offset)
	if !ok {
		return 0, oob(offset, 4)
	}
	return v, nil
}

func (a *Arena) ReadF64(offset uint32) (float64, error) {
	v, ok := a.mem.ReadFloat64Le(offset)
	if !ok {
		return 0, oob(offset, 8)
	}
	return v, nil
}

// ReadBool treats any non-zero byte as true.
func (a *Arena) ReadBool(offset uint32) (bool, error) {
	v, err := a.ReadU8(offset)
	return v != 0, err
}

// ReadPtr reads a 32-bit pointer.
func (a *Arena) ReadPtr(offset uint32) (wasmffi.Ptr, error) {
	return a.ReadU32(offset)
}

func (a *Arena) WriteU8(offset uint32, value uint8) error {
	if !a.mem.WriteByte(offset, value) {
		return oob(offset, 1)
	}
	return nil
}

func (a *Arena) WriteU16(offset uint32, value uint16) error {
	if !a.mem.WriteUint16Le(offset, value) {
		return oob(offset, 2)
	}
	return nil
}

func (a *Arena) WriteU32(offset uint32, value uint32) error {
	if !a.mem.WriteUint32Le(offset, value) {
		return oob(offset, 4)
	}
	return nil
}

func (a *Arena) WriteU64(offset uint32, value uint64) error {
	if !a.mem.WriteUint64Le(offset, value) {
		return oob(offset, 8)
	}
	return nil
}

func (a *Arena) WriteI32(offset uint32, value int32) error {
	return a.WriteU32(offset, uint32(value))
}

func (a *Arena) WriteI64(offset uint32, value int64) error {
	return a.WriteU64(offset, uint64(value))
}

func (a *Arena) WriteF32(offset uint32, value float32) error {
	return a.WriteU32(offset, math.Float32bits(value))
}

func (a *Arena) WriteF64(offset uint32, value float64) error {
	return a.WriteU64(offset, math.Float64bits(value))
}

func (a *Arena) WriteBool(offset uint32, value bool) error {
	var b uint8
	if value {
		b = 1
	}
	return a.WriteU8(offset, b)
}

func (a *Arena) WritePtr(offset uint32, value wasmffi.Ptr) error {
	return a.WriteU32(offset, value)
}
