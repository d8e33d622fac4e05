package transcoder

import (
	"testing"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/errors"
)

// appendSink mimics the native side of the sink protocol.
func appendSink(t *testing.T, a Arena, g *GrowthBuffer, data string) {
	t.Helper()
	need := g.Len() + uint32(len(data))
	if need > g.Cap() && !g.Reserve(need) {
		t.Fatalf("reserve %d failed", need)
	}
	buf, _ := a.ReadU32(g.Ptr() + sinkBuf)
	if err := a.Write(buf+g.Len(), []byte(data)); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteU32(g.Ptr()+sinkLen, need); err != nil {
		t.Fatal(err)
	}
}

func TestGrowthBuffer_ReserveKeepsContents(t *testing.T) {
	a := newArena(t)

	g, err := NewGrowthBuffer(a, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Release()

	appendSink(t, a, g, "bn")
	appendSink(t, a, g, "-IN")
	appendSink(t, a, g, ", and a longer tail")

	got, err := g.Text()
	if err != nil {
		t.Fatal(err)
	}
	if got != "bn-IN, and a longer tail" {
		t.Errorf("text = %q", got)
	}
	if g.Cap() < g.Len() {
		t.Errorf("cap %d < len %d", g.Cap(), g.Len())
	}
}

func TestGrowthBuffer_ReserveDoubles(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 8)
	defer g.Release()

	if !g.Reserve(4) || g.Cap() != 8 {
		t.Fatalf("no-op reserve changed cap to %d", g.Cap())
	}
	if !g.Reserve(9) || g.Cap() != 16 {
		t.Errorf("cap = %d, want 16", g.Cap())
	}
	if !g.Reserve(100) || g.Cap() != 100 {
		t.Errorf("cap = %d, want 100", g.Cap())
	}
}

func TestGrowthBuffer_ZeroCapacity(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 0)
	defer g.Release()

	b, err := g.Bytes()
	if err != nil || len(b) != 0 {
		t.Fatalf("bytes = %v, %v", b, err)
	}
	appendSink(t, a, g, "x")
	if s, _ := g.Text(); s != "x" {
		t.Errorf("text = %q", s)
	}
}

func TestGrowthBuffer_ReserveExhausted(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 4)
	defer g.Release()

	// over the fixture allocator's limit
	if g.Reserve(1 << 25) {
		t.Fatal("expected reserve to fail")
	}
	if g.Cap() != 4 {
		t.Errorf("failed reserve changed cap to %d", g.Cap())
	}
}

func TestGrowthBuffer_GrowFailed(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 4)
	defer g.Release()

	_ = a.WriteU8(g.Ptr()+sinkGrowFailed, 1)
	if !g.GrowFailed() {
		t.Fatal("expected GrowFailed")
	}
	_, err := g.Bytes()
	if !isKind(err, errors.PhaseDecode, errors.KindAllocation) {
		t.Errorf("expected allocation error, got %v", err)
	}
}

func TestGrowthBuffer_Release(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 16)
	appendSink(t, a, g, "0123456789abcdefXYZ")

	g.Release()
	g.Release()

	if live, _ := a.Outstanding(); live != 0 {
		t.Errorf("outstanding after release = %d", live)
	}
	if _, err := g.Bytes(); !isKind(err, errors.PhaseDecode, errors.KindClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	if g.Reserve(64) {
		t.Error("reserve succeeded on released buffer")
	}
}

func TestGrowthBuffer_InvalidUTF8(t *testing.T) {
	a := newArena(t)
	g, _ := NewGrowthBuffer(a, 4)
	defer g.Release()

	appendSink(t, a, g, "\xff")
	if _, err := g.Text(); !isKind(err, errors.PhaseDecode, errors.KindInvalidUTF8) {
		t.Errorf("expected invalid_utf8, got %v", err)
	}
	if b, err := g.Bytes(); err != nil || len(b) != 1 {
		t.Errorf("bytes = %v, %v", b, err)
	}
}

// readOnly refuses every write.
type readOnly struct {
	*arena.Arena
}

func (readOnly) Write(offset uint32, data []byte) error {
	return errors.OutOfBounds(errors.PhaseEncode, nil, int(offset), len(data))
}

func TestNewGrowthBuffer_WriteFailureFrees(t *testing.T) {
	a := newArena(t)
	before, _ := a.Outstanding()

	g, err := NewGrowthBuffer(readOnly{a}, 32)
	if !isKind(err, errors.PhaseEncode, errors.KindOutOfBounds) {
		t.Fatalf("expected out of bounds, got %v", err)
	}
	if g != nil {
		t.Error("buffer returned with error")
	}
	if live, _ := a.Outstanding(); live != before {
		t.Errorf("outstanding = %d, want %d", live, before)
	}
}
