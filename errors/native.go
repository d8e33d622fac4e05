package errors

import (
	"strconv"
	"strings"
)

// NativeError is a failure reported by the native module through a result
// envelope. Type names the native error enumeration and Variant the decoded
// case. It never wraps a host-side cause.
type NativeError struct {
	Payload      any
	Op           string
	Type         string
	Variant      string
	Discriminant int32
}

// Error implements the error interface
func (e *NativeError) Error() string {
	var b strings.Builder

	b.WriteString("[native] ")
	b.WriteString(e.Type)
	if e.Variant != "" {
		b.WriteByte('.')
		b.WriteString(e.Variant)
	} else {
		b.WriteString(" (")
		b.WriteString(strconv.FormatInt(int64(e.Discriminant), 10))
		b.WriteByte(')')
	}
	if e.Op != "" {
		b.WriteString(" from ")
		b.WriteString(e.Op)
	}
	return b.String()
}

// Is reports whether target is a NativeError of the same type and, when the
// target names one, the same variant.
func (e *NativeError) Is(target error) bool {
	t, ok := target.(*NativeError)
	if !ok {
		return false
	}
	if t.Type != "" && t.Type != e.Type {
		return false
	}
	return t.Variant == "" || t.Variant == e.Variant
}

// Variant returns a matcher for errors.Is. An empty variant matches every
// case of the error type.
func Variant(errorType, variant string) *NativeError {
	return &NativeError{Type: errorType, Variant: variant}
}

// IsNative reports whether err carries a native failure and returns it.
func IsNative(err error) (*NativeError, bool) {
	var ne *NativeError
	if As(err, &ne) {
		return ne, true
	}
	return nil, false
}
