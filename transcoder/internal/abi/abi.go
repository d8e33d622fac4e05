// Package abi holds layout arithmetic shared by the marshalling code.
package abi

import (
	"math"
	"reflect"
)

const (
	MaxStringSize = 1 << 30 // 1 GB max encoded string
	MaxAlloc      = 1 << 30 // 1 GB max single allocation
)

func SafeMulU32(a, b uint32) (uint32, bool) {
	if b != 0 && a > math.MaxUint32/b {
		return 0, false
	}
	return a * b, true
}

func SafeAddU32(a, b uint32) (uint32, bool) {
	if a > math.MaxUint32-b {
		return 0, false
	}
	return a + b, true
}

// AlignTo rounds offset up to a power-of-two alignment.
func AlignTo(offset, align uint32) uint32 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// TypeName returns "nil" for nil values, avoiding reflect.TypeOf(nil) panic.
func TypeName(value any) string {
	if value == nil {
		return "nil"
	}
	return reflect.TypeOf(value).String()
}
