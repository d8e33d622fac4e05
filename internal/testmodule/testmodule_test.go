package testmodule

import (
	"bytes"
	"testing"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

func TestFixturesCompile(t *testing.T) {
	tests := []struct {
		name string
		bin  func() []byte
	}{
		{"decimal", Decimal},
		{"allocator", Allocator},
		{"realloc", Realloc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin := tt.bin()
			if !bytes.HasPrefix(bin, wasmMagic) {
				t.Fatalf("missing wasm magic: % x", bin[:min(len(bin), 8)])
			}
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	if _, err := Compile("(module (func"); err == nil {
		t.Error("expected error for unterminated module")
	}
}
