package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNativeError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *NativeError
		contains []string
	}{
		{
			name:     "named variant",
			err:      &NativeError{Op: "icu4x_FixedDecimal_from_string_mv1", Type: "FixedDecimalParseError", Variant: "Syntax", Discriminant: 2},
			contains: []string{"[native]", "FixedDecimalParseError.Syntax", "from icu4x_FixedDecimal_from_string_mv1"},
		},
		{
			name:     "unnamed discriminant",
			err:      &NativeError{Type: "DataError", Discriminant: 7},
			contains: []string{"DataError", "(7)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !containsSubstring(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestNativeError_Is(t *testing.T) {
	err := &NativeError{Type: "FixedDecimalParseError", Variant: "Syntax", Discriminant: 2}

	if !errors.Is(err, Variant("FixedDecimalParseError", "Syntax")) {
		t.Error("should match same type and variant")
	}
	if !errors.Is(err, Variant("FixedDecimalParseError", "")) {
		t.Error("empty variant should match any case of the type")
	}
	if errors.Is(err, Variant("FixedDecimalParseError", "Limit")) {
		t.Error("should not match a different variant")
	}
	if errors.Is(err, Variant("DataError", "Syntax")) {
		t.Error("should not match a different type")
	}
	if errors.Is(err, &Error{Phase: PhaseNative, Kind: KindTrap}) {
		t.Error("native failure is not a host error")
	}
}

func TestIsNative(t *testing.T) {
	wrapped := fmt.Errorf("create decimal: %w", &NativeError{Type: "FixedDecimalLimitError"})

	ne, ok := IsNative(wrapped)
	if !ok {
		t.Fatal("IsNative should unwrap")
	}
	if ne.Type != "FixedDecimalLimitError" {
		t.Errorf("Type = %q", ne.Type)
	}

	if _, ok := IsNative(Trap("f", errors.New("unreachable"))); ok {
		t.Error("trap is not a native failure")
	}
}
