package transcoder

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
)

// Write sink header shared with the native side.
const (
	SinkSize  = 20
	SinkAlign = 4

	sinkContext    = 0
	sinkBuf        = 4
	sinkLen        = 8
	sinkCap        = 12
	sinkGrowFailed = 16
)

// GrowthBuffer is a host-managed write sink. The module appends to it and
// calls back into the host through buffer_grow when it runs out of room.
type GrowthBuffer struct {
	arena    Arena
	ptr      uint32
	released bool
}

// NewGrowthBuffer lays out an empty sink with the given initial capacity.
// Allocation failure panics like any other exhausted allocation.
func NewGrowthBuffer(arena Arena, capacity uint32) (*GrowthBuffer, error) {
	header, err := arena.Alloc(SinkSize, SinkAlign)
	if err != nil {
		panic(err)
	}

	var buf uint32
	if capacity > 0 {
		if buf, err = arena.Alloc(capacity, 1); err != nil {
			arena.Free(header, SinkSize, SinkAlign)
			panic(err)
		}
	}

	err = arena.Write(header, make([]byte, SinkSize))
	if err == nil {
		err = arena.WriteU32(header+sinkBuf, buf)
	}
	if err == nil {
		err = arena.WriteU32(header+sinkCap, capacity)
	}
	if err != nil {
		arena.Free(buf, capacity, 1)
		arena.Free(header, SinkSize, SinkAlign)
		return nil, err
	}
	return &GrowthBuffer{arena: arena, ptr: header}, nil
}

// Ptr is the sink address passed to the native function.
func (g *GrowthBuffer) Ptr() uint32 {
	return g.ptr
}

func (g *GrowthBuffer) field(off uint32) uint32 {
	v, _ := g.arena.ReadU32(g.ptr + off)
	return v
}

// Len returns the number of bytes written so far.
func (g *GrowthBuffer) Len() uint32 { return g.field(sinkLen) }

// Cap returns the current capacity.
func (g *GrowthBuffer) Cap() uint32 { return g.field(sinkCap) }

// GrowFailed reports whether the module gave up after a failed grow.
func (g *GrowthBuffer) GrowFailed() bool {
	v, _ := g.arena.ReadU8(g.ptr + sinkGrowFailed)
	return v != 0
}

// Reserve ensures room for at least capacity bytes, moving the contents to
// a larger block when needed. It reports false when memory is exhausted;
// the module then marks the sink as failed.
func (g *GrowthBuffer) Reserve(capacity uint32) bool {
	if g.released {
		return false
	}
	cur := g.Cap()
	if capacity <= cur {
		return true
	}

	next := cur * 2
	if next < capacity || next < cur {
		next = capacity
	}

	buf, err := g.arena.Alloc(next, 1)
	if err != nil {
		return false
	}

	old := g.field(sinkBuf)
	if n := g.Len(); n > 0 {
		data, err := g.arena.Read(old, n)
		if err != nil {
			g.arena.Free(buf, next, 1)
			return false
		}
		if err := g.arena.Write(buf, data); err != nil {
			g.arena.Free(buf, next, 1)
			return false
		}
	}
	g.arena.Free(old, cur, 1)

	_ = g.arena.WriteU32(g.ptr+sinkBuf, buf)
	_ = g.arena.WriteU32(g.ptr+sinkCap, next)
	return true
}

// Bytes copies the written bytes out of linear memory.
func (g *GrowthBuffer) Bytes() ([]byte, error) {
	if g.released {
		return nil, errors.Closed(errors.PhaseDecode, "growth buffer")
	}
	if g.GrowFailed() {
		return nil, errors.New(errors.PhaseDecode, errors.KindAllocation).
			Detail("write sink could not grow; output truncated at %d bytes", g.Len()).
			Build()
	}
	n := g.Len()
	if n == 0 {
		return []byte{}, nil
	}
	data, err := g.arena.Read(g.field(sinkBuf), n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// Text returns the written bytes as a UTF-8 string.
func (g *GrowthBuffer) Text() (string, error) {
	b, err := g.Bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, nil, b)
	}
	return string(b), nil
}

// Release frees the buffer and its header. Safe to call twice.
func (g *GrowthBuffer) Release() {
	if g.released {
		return
	}
	g.released = true
	if c := g.Cap(); c > 0 {
		g.arena.Free(g.field(sinkBuf), c, 1)
	}
	g.arena.Free(g.ptr, SinkSize, SinkAlign)
}

// Native write buffer exports.
const (
	WriteCreate   = "diplomat_buffer_write_create"
	WriteGetBytes = "diplomat_buffer_write_get_bytes"
	WriteLen      = "diplomat_buffer_write_len"
	WriteDestroy  = "diplomat_buffer_write_destroy"
)

// NativeWriteBuffer is a write sink allocated and grown by the module.
type NativeWriteBuffer struct {
	mod      api.Module
	mem      Memory
	ptr      uint32
	released bool
}

// NewNativeWriteBuffer asks the module for a sink of the given capacity.
func NewNativeWriteBuffer(ctx context.Context, mod api.Module, mem Memory, capacity uint32) (*NativeWriteBuffer, error) {
	res, err := call(ctx, mod, WriteCreate, api.EncodeU32(capacity))
	if err != nil {
		return nil, err
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		panic(errors.AllocationFailed(errors.PhaseEncode, capacity, 1))
	}
	return &NativeWriteBuffer{mod: mod, mem: mem, ptr: ptr}, nil
}

// Ptr is the sink address passed to the native function.
func (w *NativeWriteBuffer) Ptr() uint32 {
	return w.ptr
}

// Bytes copies the written bytes out of linear memory.
func (w *NativeWriteBuffer) Bytes(ctx context.Context) ([]byte, error) {
	if w.released {
		return nil, errors.Closed(errors.PhaseDecode, "native write buffer")
	}
	res, err := call(ctx, w.mod, WriteLen, api.EncodeU32(w.ptr))
	if err != nil {
		return nil, err
	}
	n := api.DecodeU32(res[0])
	if n == 0 {
		return []byte{}, nil
	}
	res, err = call(ctx, w.mod, WriteGetBytes, api.EncodeU32(w.ptr))
	if err != nil {
		return nil, err
	}
	data, err := w.mem.Read(api.DecodeU32(res[0]), n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// Text returns the written bytes as a UTF-8 string.
func (w *NativeWriteBuffer) Text(ctx context.Context) (string, error) {
	b, err := w.Bytes(ctx)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, nil, b)
	}
	return string(b), nil
}

// Release hands the sink back to the module. Safe to call twice.
func (w *NativeWriteBuffer) Release(ctx context.Context) error {
	if w.released {
		return nil
	}
	w.released = true
	_, err := call(ctx, w.mod, WriteDestroy, api.EncodeU32(w.ptr))
	return err
}

func call(ctx context.Context, mod api.Module, name string, params ...uint64) ([]uint64, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, errors.Trap(name, err)
	}
	return res, nil
}
