// Package errors provides structured error types for the wasm-ffi runtime.
//
// Host-side errors are categorized by Phase (where the error occurred) and
// Kind (error category). The Error type carries the field path, Go and native
// type names, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindInvalidEnum).
//		Path("options", "strength").
//		NativeType("CollatorStrength").
//		Detail("unknown case %q", name).
//		Build()
//
// Failures reported by the native module itself are NativeError values. They
// carry the error enumeration type and the decoded variant, and match with
// errors.Is against a Variant matcher:
//
//	if errors.Is(err, errors.Variant("FixedDecimalParseError", "Syntax")) {
//		...
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
