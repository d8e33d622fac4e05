package transcoder

import (
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/transcoder/internal/abi"
)

// EnumCase pairs a case name with its native discriminant.
type EnumCase[T ~int32] struct {
	Name  string
	Value T
}

// Enum is a closed set of named discriminants. Native enums cross the
// boundary as i32 regardless of case count.
type Enum[T ~int32] struct {
	typeName string
	cases    []EnumCase[T]
	byName   map[string]T
	byValue  map[T]string
}

// NewEnum builds a table. Duplicate names or values panic: tables are
// static declarations.
func NewEnum[T ~int32](typeName string, cases ...EnumCase[T]) *Enum[T] {
	e := &Enum[T]{
		typeName: typeName,
		cases:    cases,
		byName:   make(map[string]T, len(cases)),
		byValue:  make(map[T]string, len(cases)),
	}
	for _, c := range cases {
		if _, dup := e.byName[c.Name]; dup {
			panic("duplicate enum case " + typeName + "." + c.Name)
		}
		if _, dup := e.byValue[c.Value]; dup {
			panic("duplicate enum discriminant in " + typeName)
		}
		e.byName[c.Name] = c.Value
		e.byValue[c.Value] = c.Name
	}
	return e
}

// EnumFromWIT builds a table from a WIT enum; discriminants are case
// indices.
func EnumFromWIT[T ~int32](td *wit.TypeDef) (*Enum[T], error) {
	if td == nil {
		return nil, errors.NilPointer(errors.PhaseLoad, nil, "*wit.TypeDef")
	}
	en, ok := td.Kind.(*wit.Enum)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseLoad, nil, "transcoder.Enum", abi.TypeName(td.Kind))
	}

	name := "enum"
	if td.Name != nil {
		name = *td.Name
	}
	cases := make([]EnumCase[T], len(en.Cases))
	for i, c := range en.Cases {
		cases[i] = EnumCase[T]{Name: c.Name, Value: T(i)}
	}
	return NewEnum(name, cases...), nil
}

// TypeName returns the native type name.
func (e *Enum[T]) TypeName() string {
	return e.typeName
}

// Cases returns the cases in declaration order.
func (e *Enum[T]) Cases() []EnumCase[T] {
	return append([]EnumCase[T](nil), e.cases...)
}

// Name returns the case name of v.
func (e *Enum[T]) Name(v T) (string, bool) {
	n, ok := e.byValue[v]
	return n, ok
}

// FromName resolves a case name. Unknown names fail before any native call.
func (e *Enum[T]) FromName(name string) (T, error) {
	v, ok := e.byName[name]
	if !ok {
		return 0, errors.InvalidEnum(errors.PhaseEncode, nil, name, e.typeName)
	}
	return v, nil
}

// Lower converts a host value to its discriminant.
func (e *Enum[T]) Lower(v T) (int32, error) {
	if _, ok := e.byValue[v]; !ok {
		return 0, errors.InvalidEnum(errors.PhaseEncode, nil, int32(v), e.typeName)
	}
	return int32(v), nil
}

// Lift converts a discriminant returned by the module.
func (e *Enum[T]) Lift(disc int32) (T, error) {
	v := T(disc)
	if _, ok := e.byValue[v]; !ok {
		return 0, errors.InvalidEnum(errors.PhaseDecode, nil, disc, e.typeName)
	}
	return v, nil
}

// Table returns discriminant to name, the shape error sets are built from.
func (e *Enum[T]) Table() map[int32]string {
	out := make(map[int32]string, len(e.byValue))
	for v, n := range e.byValue {
		out[int32(v)] = n
	}
	return out
}
