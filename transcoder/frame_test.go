package transcoder

import (
	"testing"

	"github.com/tetratelabs/wazero/api"
)

func TestFrame_ReleaseFreesEverything(t *testing.T) {
	a := newArena(t)

	frame := NewFrame(a)
	if _, err := frame.Encode("1.25", UTF8); err != nil {
		t.Fatal(err)
	}
	if _, err := frame.Bytes([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	frame.Alloc(16, 8)

	if got := frame.Count(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	if live, _ := a.Outstanding(); live != 3 {
		t.Fatalf("outstanding = %d, want 3", live)
	}

	frame.Release()
	if live, bytes := a.Outstanding(); live != 0 || bytes != 0 {
		t.Errorf("outstanding after release = (%d, %d)", live, bytes)
	}
}

func TestFrame_ReleaseOnPanic(t *testing.T) {
	a := newArena(t)

	func() {
		defer func() { _ = recover() }()
		frame := NewFrame(a)
		defer frame.Release()
		_, _ = frame.Encode("scratch", UTF8)
		panic("call failed")
	}()

	if live, _ := a.Outstanding(); live != 0 {
		t.Errorf("outstanding after panic = %d", live)
	}
}

func TestFrame_Retain(t *testing.T) {
	a := newArena(t)

	frame := NewFrame(a)
	s, err := frame.Encode("retained input", UTF8)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := frame.Encode("scratch", UTF8)
	_ = other

	kept := frame.Retain(s)
	frame.Release()

	if live, _ := a.Outstanding(); live != 1 {
		t.Fatalf("outstanding = %d, want only the retained slice", live)
	}
	got, err := Decode(a, kept.Slice().Ptr, kept.Slice().Len, UTF8)
	if err != nil || got != "retained input" {
		t.Errorf("retained contents = %q, %v", got, err)
	}

	kept.Free()
	kept.Free()
	if !kept.Freed() {
		t.Error("expected Freed after Free")
	}
	if live, _ := a.Outstanding(); live != 0 {
		t.Errorf("outstanding after free = %d", live)
	}
}

func TestRetained_Releaser(t *testing.T) {
	a := newArena(t)

	frame := NewFrame(a)
	s, err := frame.Encode("kept by a borrower", UTF8)
	if err != nil {
		t.Fatal(err)
	}
	kept := frame.Retain(s)
	frame.Release()

	release := kept.Releaser()
	release()
	kept.Free()
	release()

	if !kept.Freed() {
		t.Error("Releaser should mark the buffer freed")
	}
	if live, _ := a.Outstanding(); live != 0 {
		t.Errorf("outstanding = %d, want 0", live)
	}
}

func TestSlice_Splat(t *testing.T) {
	s := Slice{Ptr: 4096, Len: 3}
	args := s.Splat()
	if len(args) != 2 {
		t.Fatalf("len = %d", len(args))
	}
	if api.DecodeU32(args[0]) != 4096 || api.DecodeU32(args[1]) != 3 {
		t.Errorf("splat = %v", args)
	}
}

func TestFrame_EmptyBytes(t *testing.T) {
	a := newArena(t)
	frame := NewFrame(a)
	defer frame.Release()

	s, err := frame.Bytes(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Ptr == 0 || s.Len != 0 {
		t.Errorf("empty slice = %+v, want non-zero dangling pointer and zero length", s)
	}
}
