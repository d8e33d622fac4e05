package errors

import (
	"fmt"
	"strings"
)

// Phase names the boundary crossing an error happened in.
type Phase string

const (
	PhaseEncode   Phase = "encode"   // Go value into linear memory
	PhaseDecode   Phase = "decode"   // linear memory into a Go value
	PhaseNative   Phase = "native"   // inside an export
	PhaseFinalize Phase = "finalize" // handle destruction
	PhaseRuntime  Phase = "runtime"
	PhaseLinking  Phase = "linking" // host imports
	PhaseLoad     Phase = "load"
	PhaseConfig   Phase = "config"
)

// Kind is the category of a host-side error.
type Kind string

// Value and layout kinds.
const (
	KindTypeMismatch   Kind = "type_mismatch"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindInvalidUTF8    Kind = "invalid_utf8"
	KindOverflow       Kind = "overflow"
	KindNilPointer     Kind = "nil_pointer"
	KindFieldMissing   Kind = "field_missing"
	KindFieldUnknown   Kind = "field_unknown"
	KindInvalidEnum    Kind = "invalid_enum"
	KindInvalidVariant Kind = "invalid_variant"
	KindUnsupported    Kind = "unsupported"
)

// Lifecycle and call kinds.
const (
	KindAllocation        Kind = "allocation"
	KindMissingImport     Kind = "missing_import"
	KindNotFound          Kind = "not_found"
	KindNotInitialized    Kind = "not_initialized"
	KindInvalidInput      Kind = "invalid_input"
	KindInstantiation     Kind = "instantiation"
	KindTrap              Kind = "trap"
	KindReentrantCall     Kind = "reentrant_call"
	KindOutstandingBorrow Kind = "outstanding_borrow"
	KindDuplicateHandle   Kind = "duplicate_handle"
	KindClosed            Kind = "closed"
)

// Error is a host-side failure. Two errors match under errors.Is when
// their Phase and Kind agree.
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	GoType     string
	NativeType string
	Detail     string
	Path       []string
}

// Error renders "[phase] kind at path: types - detail (caused by: cause)",
// leaving out the parts that are empty.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Phase, e.Kind)
	if len(e.Path) > 0 {
		b.WriteString(" at " + strings.Join(e.Path, "."))
	}

	sep := ": "
	if types := e.types(); types != "" {
		b.WriteString(sep + types)
		sep = " - "
	}
	if e.Detail != "" {
		b.WriteString(sep + e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: " + e.Cause.Error() + ")")
	}
	return b.String()
}

func (e *Error) types() string {
	var parts []string
	if e.GoType != "" {
		parts = append(parts, "Go type "+e.GoType)
	}
	if e.NativeType != "" {
		parts = append(parts, "native type "+e.NativeType)
	}
	return strings.Join(parts, ", ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder assembles an Error field by field.
type Builder struct {
	err Error
}

// New starts an error of the given phase and kind.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

func (b *Builder) NativeType(t string) *Builder {
	b.err.NativeType = t
	return b
}

func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the message; args are applied with fmt.Sprintf when given.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	b.err.Detail = msg
	return b
}

func (b *Builder) Build() *Error {
	e := b.err
	return &e
}
