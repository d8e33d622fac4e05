package runtime

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/resource"
	"github.com/wippyai/wasm-ffi/transcoder"
)

// ShapeKind classifies what an export returns.
type ShapeKind uint8

const (
	ShapeUnit ShapeKind = iota
	ShapeScalar
	ShapeHandle
	ShapeStruct
	ShapeString
	ShapeNativeString
)

// Shape describes the success payload of an export.
type Shape struct {
	Resource *resource.Type
	Layout   *transcoder.StructLayout
	Kind     ShapeKind
	Scalar   transcoder.FieldKind
	Owned    bool
}

// Scalar shapes. Enum crosses as its i32 discriminant.
var (
	Unit   = Shape{Kind: ShapeUnit}
	Bool   = scalar(transcoder.FieldBool)
	U8     = scalar(transcoder.FieldU8)
	I32    = scalar(transcoder.FieldI32)
	U32    = scalar(transcoder.FieldU32)
	I64    = scalar(transcoder.FieldI64)
	U64    = scalar(transcoder.FieldU64)
	F32    = scalar(transcoder.FieldF32)
	F64    = scalar(transcoder.FieldF64)
	Enum   = scalar(transcoder.FieldEnum)
	String = Shape{Kind: ShapeString}

	// NativeString is written into a sink the module creates and grows
	// itself through the diplomat_buffer_write exports.
	NativeString = Shape{Kind: ShapeNativeString}
)

func scalar(k transcoder.FieldKind) Shape {
	return Shape{Kind: ShapeScalar, Scalar: k}
}

// Owned is a handle the caller becomes responsible for destroying.
func Owned(typ *resource.Type) Shape {
	return Shape{Kind: ShapeHandle, Resource: typ, Owned: true}
}

// Borrowed is a handle that points into something the caller already holds.
func Borrowed(typ *resource.Type) Shape {
	return Shape{Kind: ShapeHandle, Resource: typ}
}

// Struct is a value returned through a caller-supplied pointer.
func Struct(layout *transcoder.StructLayout) Shape {
	return Shape{Kind: ShapeStruct, Layout: layout}
}

func (s Shape) String() string {
	switch s.Kind {
	case ShapeUnit:
		return "unit"
	case ShapeScalar:
		return s.Scalar.String()
	case ShapeHandle:
		name := "resource"
		if s.Resource != nil {
			name = s.Resource.Name
		}
		if s.Owned {
			return "own<" + name + ">"
		}
		return "borrow<" + name + ">"
	case ShapeStruct:
		if s.Layout == nil {
			return "struct"
		}
		return s.Layout.Name
	case ShapeString:
		return "string"
	case ShapeNativeString:
		return "string(native)"
	}
	return "unknown"
}

// payload returns the size and alignment the value occupies in an envelope.
func (s Shape) payload() (size, align uint32) {
	switch s.Kind {
	case ShapeScalar:
		n := s.Scalar.Size()
		return n, n
	case ShapeHandle:
		return 4, 4
	case ShapeStruct:
		if s.Layout == nil {
			return 0, 1
		}
		return s.Layout.Size, s.Layout.Align
	}
	return 0, 1
}

// ErrorSet is the closed set of failures an export can report.
type ErrorSet struct {
	Type  string
	cases map[int32]string
	unit  bool
}

// NewErrorSet builds an error set whose payload is an i32 discriminant.
func NewErrorSet(typeName string, cases map[int32]string) *ErrorSet {
	c := make(map[int32]string, len(cases))
	for k, v := range cases {
		c[k] = v
	}
	return &ErrorSet{Type: typeName, cases: c}
}

// EnumErrors builds an error set from an enumeration table.
func EnumErrors[T ~int32](e *transcoder.Enum[T]) *ErrorSet {
	return &ErrorSet{Type: e.TypeName(), cases: e.Table()}
}

// UnitError is an error type without payload.
func UnitError(typeName string) *ErrorSet {
	return &ErrorSet{Type: typeName, unit: true}
}

// Variant returns the name of a discriminant.
func (s *ErrorSet) Variant(disc int32) (string, bool) {
	name, ok := s.cases[disc]
	return name, ok
}

func (s *ErrorSet) payload() (size, align uint32) {
	if s == nil || s.unit {
		return 0, 1
	}
	return 4, 4
}

// decode turns the failure payload at ptr into a *errors.NativeError.
func (s *ErrorSet) decode(op string, mem transcoder.Memory, ptr uint32) error {
	if s.unit {
		return &errors.NativeError{Op: op, Type: s.Type}
	}
	raw, err := mem.ReadU32(ptr)
	if err != nil {
		return err
	}
	disc := int32(raw)
	name, ok := s.cases[disc]
	if !ok {
		return errors.InvalidDiscriminant(errors.PhaseDecode, []string{op}, disc, s.Type)
	}
	return &errors.NativeError{Op: op, Type: s.Type, Variant: name, Discriminant: disc}
}

// Op declares how to call one export and read its result.
//
// Errors marks the export fallible. Optional marks an absent result as
// valid: a nullable handle, or an envelope whose flag reports presence.
type Op struct {
	Errors   *ErrorSet
	Name     string
	Returns  Shape
	Optional bool
}

// Envelope is the return area passed as the first argument. The payload
// union sits at offset 0; when Flagged, a u8 success flag follows it.
type Envelope struct {
	Size    uint32
	Align   uint32
	Flag    uint32
	Flagged bool
}

// Envelope reports the return area op needs. ok is false when the export
// returns its value directly.
func (op Op) Envelope() (env Envelope, ok bool) {
	flagged := op.Errors != nil || (op.Optional && op.Returns.Kind != ShapeHandle)
	if !flagged && op.Returns.Kind != ShapeStruct {
		return Envelope{}, false
	}

	okSize, okAlign := op.Returns.payload()
	errSize, errAlign := op.Errors.payload()

	align := max(okAlign, errAlign, 1)
	union := alignTo(max(okSize, errSize), align)
	if !flagged {
		return Envelope{Size: union, Align: align}, true
	}
	return Envelope{Size: union + 1, Align: align, Flag: union, Flagged: true}, true
}

func (op Op) validate() error {
	if op.Name == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "op has no export name")
	}
	switch op.Returns.Kind {
	case ShapeStruct:
		if op.Returns.Layout == nil {
			return errors.NilPointer(errors.PhaseRuntime, []string{op.Name}, "transcoder.StructLayout")
		}
	case ShapeHandle:
		if op.Returns.Owned && (op.Returns.Resource == nil || op.Returns.Resource.Destructor == "") {
			return errors.InvalidInput(errors.PhaseRuntime, op.Name+" returns an owned handle without a destructor")
		}
	}
	return nil
}

func alignTo(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// liftScalar converts a direct return value to its Go type.
func liftScalar(k transcoder.FieldKind, raw uint64) any {
	switch k {
	case transcoder.FieldBool:
		return api.DecodeU32(raw) != 0
	case transcoder.FieldU8:
		return uint8(raw)
	case transcoder.FieldI8:
		return int8(raw)
	case transcoder.FieldU16:
		return uint16(raw)
	case transcoder.FieldI16:
		return int16(raw)
	case transcoder.FieldU32, transcoder.FieldPtr:
		return api.DecodeU32(raw)
	case transcoder.FieldI32, transcoder.FieldEnum:
		return api.DecodeI32(raw)
	case transcoder.FieldU64:
		return raw
	case transcoder.FieldI64:
		return int64(raw)
	case transcoder.FieldF32:
		return api.DecodeF32(raw)
	case transcoder.FieldF64:
		return api.DecodeF64(raw)
	}
	return raw
}
