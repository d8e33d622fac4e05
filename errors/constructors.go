package errors

// Shorthands for the errors raised most often. Each returns a fresh *Error.

// TypeMismatch reports a Go value that cannot stand for a native type.
func TypeMismatch(phase Phase, path []string, goType, nativeType string) *Error {
	return New(phase, KindTypeMismatch).Path(path...).GoType(goType).NativeType(nativeType).Build()
}

// InvalidUTF8 reports text that is not UTF-8. At most 32 bytes are quoted.
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	return New(phase, KindInvalidUTF8).Path(path...).
		Detail("invalid UTF-8 sequence: %x", data[:min(len(data), 32)]).
		Build()
}

func AllocationFailed(phase Phase, size, align uint32) *Error {
	return New(phase, KindAllocation).
		Detail("failed to allocate %d bytes (align %d)", size, align).
		Build()
}

func FieldMissing(phase Phase, path []string, field string) *Error {
	return New(phase, KindFieldMissing).Path(path...).Detail("required field %q not found", field).Build()
}

func FieldUnknown(phase Phase, path []string, field string) *Error {
	return New(phase, KindFieldUnknown).Path(path...).Detail("unknown field %q", field).Build()
}

// InvalidDiscriminant reports a native discriminant outside its closed set.
func InvalidDiscriminant(phase Phase, path []string, disc int32, nativeType string) *Error {
	return New(phase, KindInvalidVariant).Path(path...).NativeType(nativeType).Value(disc).
		Detail("discriminant %d is not a known case", disc).
		Build()
}

func InvalidEnum(phase Phase, path []string, value any, enumType string) *Error {
	return New(phase, KindInvalidEnum).Path(path...).NativeType(enumType).Value(value).
		Detail("invalid enum value %v for %s", value, enumType).
		Build()
}

func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return New(phase, KindOverflow).Path(path...).NativeType(targetType).Value(value).
		Detail("value %v overflows %s", value, targetType).
		Build()
}

func OutOfBounds(phase Phase, path []string, offset, length int) *Error {
	return New(phase, KindOutOfBounds).Path(path...).Value(offset).
		Detail("offset %d out of bounds (length %d)", offset, length).
		Build()
}

func NilPointer(phase Phase, path []string, goType string) *Error {
	return New(phase, KindNilPointer).Path(path...).GoType(goType).Detail("nil pointer").Build()
}

func InvalidData(phase Phase, path []string, detail string) *Error {
	return New(phase, KindInvalidData).Path(path...).Detail(detail).Build()
}

func Unsupported(phase Phase, what string) *Error {
	return New(phase, KindUnsupported).Detail(what).Build()
}

func InvalidInput(phase Phase, detail string) *Error {
	return New(phase, KindInvalidInput).Detail(detail).Build()
}

func NotFound(phase Phase, what, name string) *Error {
	return New(phase, KindNotFound).Detail("%s %q not found", what, name).Build()
}

func NotInitialized(phase Phase, component string) *Error {
	return New(phase, KindNotInitialized).Detail("%s not initialized", component).Build()
}

// Closed reports use of an instance, controller or buffer after its end.
func Closed(phase Phase, what string) *Error {
	return New(phase, KindClosed).Detail("%s is closed", what).Build()
}

// Wrap attaches a phase and kind to an error from elsewhere.
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return New(phase, kind).Cause(cause).Detail(detail).Build()
}

// Load reports a module that could not be read or compiled.
func Load(detail string, cause error) *Error {
	return New(PhaseLoad, KindInvalidData).Cause(cause).Detail(detail).Build()
}

func Instantiation(cause error) *Error {
	return New(PhaseRuntime, KindInstantiation).Cause(cause).Detail("instantiate module").Build()
}

// Trap reports a call that trapped or aborted inside the module.
func Trap(fn string, cause error) *Error {
	return New(PhaseNative, KindTrap).Cause(cause).Detail("call %s", fn).Build()
}

// Reentrant reports a call made while another call on the same instance is
// still running.
func Reentrant(fn string) *Error {
	return New(PhaseRuntime, KindReentrantCall).
		Detail("call %s while another native call is in progress", fn).
		Build()
}
