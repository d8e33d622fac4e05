package transcoder

import (
	"math"
	"reflect"
	"strings"
	"unicode"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/transcoder/internal/abi"
)

// FieldKind is the native type of a struct field.
type FieldKind uint8

const (
	FieldBool FieldKind = iota + 1
	FieldU8
	FieldI8
	FieldU16
	FieldI16
	FieldU32
	FieldI32
	FieldU64
	FieldI64
	FieldF32
	FieldF64
	FieldEnum // i32 discriminant
	FieldPtr  // opaque u32 offset
)

var fieldKindNames = map[FieldKind]string{
	FieldBool: "bool", FieldU8: "u8", FieldI8: "i8", FieldU16: "u16", FieldI16: "i16",
	FieldU32: "u32", FieldI32: "i32", FieldU64: "u64", FieldI64: "i64",
	FieldF32: "f32", FieldF64: "f64", FieldEnum: "enum", FieldPtr: "ptr",
}

func (k FieldKind) String() string {
	if n, ok := fieldKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Size is both size and alignment; every field kind is naturally aligned.
func (k FieldKind) Size() uint32 {
	switch k {
	case FieldBool, FieldU8, FieldI8:
		return 1
	case FieldU16, FieldI16:
		return 2
	case FieldU64, FieldI64, FieldF64:
		return 8
	default:
		return 4
	}
}

func (k FieldKind) float() bool { return k == FieldF32 || k == FieldF64 }

func (k FieldKind) signed() bool {
	switch k {
	case FieldI8, FieldI16, FieldI32, FieldI64, FieldEnum:
		return true
	}
	return false
}

// FieldSpec declares a field in native order.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

type Field struct {
	Name   string
	Kind   FieldKind
	Offset uint32
}

// StructLayout describes a struct laid out with C rules: each field at the
// next offset aligned to its size, total size rounded to the widest field.
type StructLayout struct {
	Name   string
	Fields []Field
	Size   uint32
	Align  uint32

	index map[string]int
}

// Record holds decoded field values keyed by native field name.
type Record map[string]any

// NewStructLayout computes offsets for fields in the given order.
func NewStructLayout(name string, fields ...FieldSpec) *StructLayout {
	l := &StructLayout{
		Name:   name,
		Fields: make([]Field, len(fields)),
		Align:  1,
		index:  make(map[string]int, len(fields)),
	}

	offset := uint32(0)
	for i, f := range fields {
		size := f.Kind.Size()
		offset = abi.AlignTo(offset, size)
		l.Fields[i] = Field{Name: f.Name, Kind: f.Kind, Offset: offset}
		l.index[f.Name] = i
		if size > l.Align {
			l.Align = size
		}
		offset += size
	}
	l.Size = abi.AlignTo(offset, l.Align)
	return l
}

// StructFromWIT builds a layout from a record of primitive fields. Enum
// typed fields become FieldEnum.
func StructFromWIT(td *wit.TypeDef) (*StructLayout, error) {
	if td == nil {
		return nil, errors.NilPointer(errors.PhaseLoad, nil, "*wit.TypeDef")
	}
	rec, ok := td.Kind.(*wit.Record)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseLoad, nil, "transcoder.StructLayout", abi.TypeName(td.Kind))
	}

	name := "struct"
	if td.Name != nil {
		name = *td.Name
	}

	specs := make([]FieldSpec, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		kind, err := fieldKindFromWIT(f.Type)
		if err != nil {
			return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
				Path(name, f.Name).
				NativeType(abi.TypeName(f.Type)).
				Cause(err).
				Build()
		}
		specs = append(specs, FieldSpec{Name: f.Name, Kind: kind})
	}
	return NewStructLayout(name, specs...), nil
}

func fieldKindFromWIT(t wit.Type) (FieldKind, error) {
	switch typ := t.(type) {
	case wit.Bool:
		return FieldBool, nil
	case wit.U8:
		return FieldU8, nil
	case wit.S8:
		return FieldI8, nil
	case wit.U16:
		return FieldU16, nil
	case wit.S16:
		return FieldI16, nil
	case wit.U32, wit.Char:
		return FieldU32, nil
	case wit.S32:
		return FieldI32, nil
	case wit.U64:
		return FieldU64, nil
	case wit.S64:
		return FieldI64, nil
	case wit.F32:
		return FieldF32, nil
	case wit.F64:
		return FieldF64, nil
	case *wit.TypeDef:
		switch kind := typ.Kind.(type) {
		case *wit.Enum:
			return FieldEnum, nil
		case wit.Type:
			return fieldKindFromWIT(kind)
		}
	}
	return 0, errors.Unsupported(errors.PhaseLoad, "struct field type "+abi.TypeName(t))
}

// Field looks up a field by native name.
func (l *StructLayout) Field(name string) (Field, bool) {
	i, ok := l.index[name]
	if !ok {
		return Field{}, false
	}
	return l.Fields[i], true
}

// Decode reads every field at ptr.
func (l *StructLayout) Decode(mem Memory, ptr uint32) (Record, error) {
	rec := make(Record, len(l.Fields))
	for _, f := range l.Fields {
		v, err := readField(mem, ptr+f.Offset, f.Kind)
		if err != nil {
			return nil, withPath(err, l.Name, f.Name)
		}
		rec[f.Name] = v
	}
	return rec, nil
}

// checkKeys rejects record keys the layout does not declare.
func (l *StructLayout) checkKeys(rec Record) error {
	for name := range rec {
		if _, ok := l.index[name]; !ok {
			return errors.FieldUnknown(errors.PhaseEncode, []string{l.Name}, name)
		}
	}
	return nil
}

// Encode writes rec at ptr. Every field must be present and no others.
func (l *StructLayout) Encode(mem Memory, ptr uint32, rec Record) error {
	if err := l.checkKeys(rec); err != nil {
		return err
	}
	for _, f := range l.Fields {
		v, ok := rec[f.Name]
		if !ok {
			return errors.FieldMissing(errors.PhaseEncode, []string{l.Name}, f.Name)
		}
		bits, err := fieldBits(f.Kind, v, []string{l.Name, f.Name})
		if err != nil {
			return err
		}
		if err := writeField(mem, ptr+f.Offset, f.Kind, bits); err != nil {
			return withPath(err, l.Name, f.Name)
		}
	}
	return nil
}

// Flatten turns rec into call parameters in native field order. Fields
// narrower than 32 bits widen to i32.
func (l *StructLayout) Flatten(rec Record) ([]uint64, error) {
	if err := l.checkKeys(rec); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(l.Fields))
	for _, f := range l.Fields {
		v, ok := rec[f.Name]
		if !ok {
			return nil, errors.FieldMissing(errors.PhaseEncode, []string{l.Name}, f.Name)
		}
		bits, err := fieldBits(f.Kind, v, []string{l.Name, f.Name})
		if err != nil {
			return nil, err
		}
		switch f.Kind {
		case FieldU64, FieldI64, FieldF64:
			out = append(out, bits)
		case FieldI8:
			out = append(out, api.EncodeI32(int32(int8(bits))))
		case FieldI16:
			out = append(out, api.EncodeI32(int32(int16(bits))))
		default:
			out = append(out, api.EncodeU32(uint32(bits)))
		}
	}
	return out, nil
}

// Unmarshal decodes the struct at ptr into out, a pointer to a Go struct.
// Go fields are matched by `ffi:"name"` tag, then case-insensitively, then
// by snake_case form; declaration order does not matter.
func (l *StructLayout) Unmarshal(mem Memory, ptr uint32, out any) error {
	rec, err := l.Decode(mem, ptr)
	if err != nil {
		return err
	}
	return l.Assign(rec, out)
}

// Assign copies an already decoded rec into out, a pointer to a Go struct,
// with the same field matching as Unmarshal.
func (l *StructLayout) Assign(rec Record, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.NilPointer(errors.PhaseDecode, []string{l.Name}, abi.TypeName(out))
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return errors.TypeMismatch(errors.PhaseDecode, []string{l.Name}, rv.Type().String(), "struct")
	}

	for _, f := range l.Fields {
		v, ok := rec[f.Name]
		if !ok {
			return errors.FieldMissing(errors.PhaseDecode, []string{l.Name}, f.Name)
		}
		goField, found := findGoField(rv.Type(), f.Name)
		if !found {
			return errors.FieldMissing(errors.PhaseDecode, []string{l.Name}, f.Name)
		}
		if !compatible(f.Kind, goField.Type) {
			return errors.TypeMismatch(errors.PhaseDecode, []string{l.Name, f.Name}, goField.Type.String(), f.Kind.String())
		}
		rv.FieldByIndex(goField.Index).Set(reflect.ValueOf(v).Convert(goField.Type))
	}
	return nil
}

// Marshal collects the fields of a tagged Go struct into a Record.
func (l *StructLayout) Marshal(in any) (Record, error) {
	rv := reflect.ValueOf(in)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, errors.NilPointer(errors.PhaseEncode, []string{l.Name}, abi.TypeName(in))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errors.TypeMismatch(errors.PhaseEncode, []string{l.Name}, abi.TypeName(in), "struct")
	}

	rec := make(Record, len(l.Fields))
	for _, f := range l.Fields {
		goField, found := findGoField(rv.Type(), f.Name)
		if !found {
			return nil, errors.FieldMissing(errors.PhaseEncode, []string{l.Name}, f.Name)
		}
		rec[f.Name] = rv.FieldByIndex(goField.Index).Interface()
	}
	return rec, nil
}

func compatible(k FieldKind, t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool:
		return k == FieldBool
	case reflect.Float32, reflect.Float64:
		return k.float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return k != FieldBool && !k.float()
	}
	return false
}

func readField(mem Memory, at uint32, k FieldKind) (any, error) {
	switch k.Size() {
	case 1:
		v, err := mem.ReadU8(at)
		if err != nil {
			return nil, err
		}
		switch k {
		case FieldBool:
			return v != 0, nil
		case FieldI8:
			return int8(v), nil
		}
		return v, nil
	case 2:
		v, err := mem.ReadU16(at)
		if err != nil {
			return nil, err
		}
		if k == FieldI16 {
			return int16(v), nil
		}
		return v, nil
	case 8:
		v, err := mem.ReadU64(at)
		if err != nil {
			return nil, err
		}
		switch k {
		case FieldI64:
			return int64(v), nil
		case FieldF64:
			return math.Float64frombits(v), nil
		}
		return v, nil
	default:
		v, err := mem.ReadU32(at)
		if err != nil {
			return nil, err
		}
		switch k {
		case FieldI32, FieldEnum:
			return int32(v), nil
		case FieldF32:
			return math.Float32frombits(v), nil
		}
		return v, nil
	}
}

func writeField(mem Memory, at uint32, k FieldKind, bits uint64) error {
	switch k.Size() {
	case 1:
		return mem.WriteU8(at, uint8(bits))
	case 2:
		return mem.WriteU16(at, uint16(bits))
	case 8:
		return mem.WriteU64(at, bits)
	default:
		return mem.WriteU32(at, uint32(bits))
	}
}

// fieldBits converts a Go value to the raw bits of a field, rejecting
// values that do not fit.
func fieldBits(k FieldKind, v any, path []string) (uint64, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return 0, errors.NilPointer(errors.PhaseEncode, path, k.String())
	}

	switch {
	case k == FieldBool:
		if rv.Kind() != reflect.Bool {
			return 0, errors.TypeMismatch(errors.PhaseEncode, path, rv.Type().String(), k.String())
		}
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	case k.float():
		var f float64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			f = rv.Float()
		default:
			return 0, errors.TypeMismatch(errors.PhaseEncode, path, rv.Type().String(), k.String())
		}
		if k == FieldF32 {
			return uint64(math.Float32bits(float32(f))), nil
		}
		return math.Float64bits(f), nil
	}

	bits := k.Size() * 8
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if k.signed() {
			if bits < 64 && (i < -(1<<(bits-1)) || i >= 1<<(bits-1)) {
				return 0, errors.Overflow(errors.PhaseEncode, path, v, k.String())
			}
		} else if i < 0 || (bits < 64 && i >= 1<<bits) {
			return 0, errors.Overflow(errors.PhaseEncode, path, v, k.String())
		}
		return uint64(i) & mask(bits), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		limit := uint64(math.MaxUint64)
		if k.signed() {
			limit = 1<<(bits-1) - 1
		} else if bits < 64 {
			limit = 1<<bits - 1
		}
		if u > limit {
			return 0, errors.Overflow(errors.PhaseEncode, path, v, k.String())
		}
		return u, nil
	}
	return 0, errors.TypeMismatch(errors.PhaseEncode, path, rv.Type().String(), k.String())
}

func mask(bits uint32) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<bits - 1
}

func withPath(err error, path ...string) error {
	var e *errors.Error
	if errors.As(err, &e) && len(e.Path) == 0 {
		e.Path = path
	}
	return err
}

// findGoField matches by: 1) ffi:"name" tag, 2) case-insensitive, 3) snake_case.
func findGoField(goType reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < goType.NumField(); i++ {
		field := goType.Field(i)
		if !field.IsExported() {
			continue
		}

		if tag := field.Tag.Get("ffi"); tag != "" {
			if tag == "-" {
				continue
			}
			if tag == name {
				return field, true
			}
			continue
		}

		if strings.EqualFold(field.Name, name) {
			return field, true
		}
		if toSnakeCase(field.Name) == name {
			return field, true
		}
	}
	return reflect.StructField{}, false
}

func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteRune(unicode.ToLower(r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
