package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/internal/testmodule"
	"github.com/wippyai/wasm-ffi/resource"
	"github.com/wippyai/wasm-ffi/transcoder"
)

// Hand-written wrappers in the shape a binding generator would emit for
// the decimal fixture.

var (
	decimalType = &resource.Type{Name: "Decimal", Destructor: "Decimal_destroy"}
	pairType    = &resource.Type{Name: "Pair", Destructor: "Pair_destroy"}
	iterType    = &resource.Type{Name: "Iter", Destructor: "Iter_destroy"}
)

type parseError int32

var parseErrors = transcoder.NewEnum("FixedDecimalParseError",
	transcoder.EnumCase[parseError]{Name: "Unknown", Value: testmodule.ParseErrorUnknown},
	transcoder.EnumCase[parseError]{Name: "Limit", Value: testmodule.ParseErrorLimit},
	transcoder.EnumCase[parseError]{Name: "Syntax", Value: testmodule.ParseErrorSyntax},
)

type Sign int32

const (
	SignNone     Sign = testmodule.SignNone
	SignNegative Sign = testmodule.SignNegative
	SignPositive Sign = testmodule.SignPositive
)

var signs = transcoder.NewEnum("Sign",
	transcoder.EnumCase[Sign]{Name: "None", Value: SignNone},
	transcoder.EnumCase[Sign]{Name: "Negative", Value: SignNegative},
	transcoder.EnumCase[Sign]{Name: "Positive", Value: SignPositive},
)

var decimalInfoLayout = transcoder.NewStructLayout("DecimalInfo",
	transcoder.FieldSpec{Name: "sign", Kind: transcoder.FieldEnum},
	transcoder.FieldSpec{Name: "digit_count", Kind: transcoder.FieldU8},
	transcoder.FieldSpec{Name: "is_zero", Kind: transcoder.FieldBool},
	transcoder.FieldSpec{Name: "magnitude", Kind: transcoder.FieldI16},
	transcoder.FieldSpec{Name: "value", Kind: transcoder.FieldF64},
)

type DecimalInfo struct {
	Sign       Sign
	DigitCount uint8
	IsZero     bool
	Magnitude  int16
	Value      float64
}

var (
	opFromInt      = Op{Name: "Decimal_from_int", Returns: Owned(decimalType)}
	opFromString   = Op{Name: "Decimal_from_string", Returns: Owned(decimalType), Errors: EnumErrors(parseErrors)}
	opFromInfo     = Op{Name: "Decimal_from_info", Returns: Owned(decimalType)}
	opValue        = Op{Name: "Decimal_value", Returns: I64}
	opToF64        = Op{Name: "Decimal_to_f64", Returns: F64}
	opIsNegative   = Op{Name: "Decimal_is_negative", Returns: Bool}
	opSign         = Op{Name: "Decimal_sign", Returns: Enum}
	opApplySign    = Op{Name: "Decimal_apply_sign", Returns: Unit}
	opMultiplyPow  = Op{Name: "Decimal_multiply_pow10", Returns: Unit, Errors: UnitError("FixedDecimalLimitError")}
	opDigitAt      = Op{Name: "Decimal_digit_at", Returns: U8, Optional: true}
	opCloneNonzero = Op{Name: "Decimal_clone_nonzero", Returns: Owned(decimalType), Optional: true}
	opInfo         = Op{Name: "Decimal_info", Returns: Struct(decimalInfoLayout)}
	opToString     = Op{Name: "Decimal_to_string", Returns: String}
	opFormat       = Op{Name: "Decimal_to_string", Returns: NativeString}

	opPairNew    = Op{Name: "Pair_new", Returns: Owned(pairType)}
	opPairFirst  = Op{Name: "Pair_first", Returns: Borrowed(decimalType)}
	opPairSecond = Op{Name: "Pair_second", Returns: Borrowed(decimalType)}

	opIterNew  = Op{Name: "Iter_new", Returns: Owned(iterType)}
	opIterNext = Op{Name: "Iter_next", Returns: I32}
)

type Decimal struct {
	inst *Instance
	ref  *resource.Ref
}

func newDecimal(inst *Instance, out *Outcome) *Decimal {
	if out.Ref == nil {
		return nil
	}
	return &Decimal{inst: inst, ref: out.Ref}
}

func DecimalFromInt(ctx context.Context, inst *Instance, v int64) (*Decimal, error) {
	out, err := inst.Invoke(ctx, opFromInt, []uint64{api.EncodeI64(v)})
	if err != nil {
		return nil, err
	}
	return newDecimal(inst, out), nil
}

func ParseDecimal(ctx context.Context, inst *Instance, s string) (*Decimal, error) {
	frame := inst.NewFrame()
	defer frame.Release()

	str, err := frame.Encode(s, transcoder.UTF8)
	if err != nil {
		return nil, err
	}
	out, err := inst.Invoke(ctx, opFromString, str.Splat())
	if err != nil {
		return nil, err
	}
	return newDecimal(inst, out), nil
}

func DecimalFromInfo(ctx context.Context, inst *Instance, info DecimalInfo) (*Decimal, error) {
	rec, err := decimalInfoLayout.Marshal(info)
	if err != nil {
		return nil, err
	}
	args, err := decimalInfoLayout.Flatten(rec)
	if err != nil {
		return nil, err
	}
	out, err := inst.Invoke(ctx, opFromInfo, args)
	if err != nil {
		return nil, err
	}
	return newDecimal(inst, out), nil
}

func (d *Decimal) self() []uint64 {
	return []uint64{api.EncodeU32(uint32(d.ref.Handle()))}
}

func (d *Decimal) Value(ctx context.Context) (int64, error) {
	out, err := d.inst.Invoke(ctx, opValue, d.self())
	if err != nil {
		return 0, err
	}
	return out.Value.(int64), nil
}

func (d *Decimal) ToF64(ctx context.Context) (float64, error) {
	out, err := d.inst.Invoke(ctx, opToF64, d.self())
	if err != nil {
		return 0, err
	}
	return out.Value.(float64), nil
}

func (d *Decimal) IsNegative(ctx context.Context) (bool, error) {
	out, err := d.inst.Invoke(ctx, opIsNegative, d.self())
	if err != nil {
		return false, err
	}
	return out.Value.(bool), nil
}

func (d *Decimal) Sign(ctx context.Context) (Sign, error) {
	out, err := d.inst.Invoke(ctx, opSign, d.self())
	if err != nil {
		return 0, err
	}
	return signs.Lift(out.Value.(int32))
}

func (d *Decimal) ApplySign(ctx context.Context, s Sign) error {
	disc, err := signs.Lower(s)
	if err != nil {
		return err
	}
	_, err = d.inst.Invoke(ctx, opApplySign, append(d.self(), api.EncodeI32(disc)))
	return err
}

func (d *Decimal) MultiplyPow10(ctx context.Context, pow uint32) error {
	_, err := d.inst.Invoke(ctx, opMultiplyPow, append(d.self(), api.EncodeU32(pow)))
	return err
}

func (d *Decimal) DigitAt(ctx context.Context, i uint32) (uint8, bool, error) {
	out, err := d.inst.Invoke(ctx, opDigitAt, append(d.self(), api.EncodeU32(i)))
	if err != nil || !out.Present {
		return 0, false, err
	}
	return out.Value.(uint8), true, nil
}

func (d *Decimal) CloneNonzero(ctx context.Context) (*Decimal, error) {
	out, err := d.inst.Invoke(ctx, opCloneNonzero, d.self())
	if err != nil {
		return nil, err
	}
	return newDecimal(d.inst, out), nil
}

func (d *Decimal) Info(ctx context.Context) (DecimalInfo, error) {
	var info DecimalInfo
	out, err := d.inst.Invoke(ctx, opInfo, d.self())
	if err != nil {
		return info, err
	}
	err = out.Into(&info)
	return info, err
}

func (d *Decimal) String(ctx context.Context) (string, error) {
	out, err := d.inst.Invoke(ctx, opToString, d.self())
	if err != nil {
		return "", err
	}
	return out.Text(), nil
}

// Format writes through a sink the module owns.
func (d *Decimal) Format(ctx context.Context) (string, error) {
	out, err := d.inst.Invoke(ctx, opFormat, d.self())
	if err != nil {
		return "", err
	}
	return out.Text(), nil
}

func (d *Decimal) Close(ctx context.Context) error {
	return d.inst.Dispose(ctx, d.ref)
}

type Pair struct {
	inst *Instance
	ref  *resource.Ref
}

func NewPair(ctx context.Context, inst *Instance, a, b int64) (*Pair, error) {
	out, err := inst.Invoke(ctx, opPairNew, []uint64{api.EncodeI64(a), api.EncodeI64(b)})
	if err != nil {
		return nil, err
	}
	return &Pair{inst: inst, ref: out.Ref}, nil
}

// First borrows the first half; the pair outlives it.
func (p *Pair) First(ctx context.Context) (*Decimal, error) {
	return p.half(ctx, opPairFirst)
}

func (p *Pair) Second(ctx context.Context) (*Decimal, error) {
	return p.half(ctx, opPairSecond)
}

func (p *Pair) half(ctx context.Context, op Op) (*Decimal, error) {
	out, err := p.inst.Invoke(ctx, op, []uint64{api.EncodeU32(uint32(p.ref.Handle()))}, p.ref)
	if err != nil {
		return nil, err
	}
	return newDecimal(p.inst, out), nil
}

func (p *Pair) Close(ctx context.Context) error {
	return p.inst.Dispose(ctx, p.ref)
}

// Iter reads the bytes of a string it was created from.
type Iter struct {
	inst *Instance
	ref  *resource.Ref
}

func NewIter(ctx context.Context, inst *Instance, s string) (*Iter, error) {
	frame := inst.NewFrame()
	defer frame.Release()

	str, err := frame.Encode(s, transcoder.UTF8)
	if err != nil {
		return nil, err
	}
	kept, err := inst.Retain(frame, str)
	if err != nil {
		return nil, err
	}
	out, err := inst.Invoke(ctx, opIterNew, str.Splat(), kept)
	if err != nil {
		kept.Free()
		return nil, err
	}
	return &Iter{inst: inst, ref: out.Ref}, nil
}

func (it *Iter) Next(ctx context.Context) (byte, bool, error) {
	out, err := it.inst.Invoke(ctx, opIterNext, []uint64{api.EncodeU32(uint32(it.ref.Handle()))})
	if err != nil {
		return 0, false, err
	}
	v := out.Value.(int32)
	if v < 0 {
		return 0, false, nil
	}
	return byte(v), true, nil
}

func (it *Iter) Close(ctx context.Context) error {
	return it.inst.Dispose(ctx, it.ref)
}

func newInstance(t *testing.T, opts ...Option) *Instance {
	t.Helper()
	ctx := context.Background()

	rt, err := New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(ctx) })

	mod, err := rt.LoadNamed(ctx, "decimal", testmodule.Decimal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mod.Close(ctx) })

	inst, err := mod.Instantiate(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return inst
}

func newScratch(t *testing.T) *arena.Arena {
	t.Helper()
	return newInstance(t).Arena()
}

func counter(t *testing.T, inst *Instance, name string) int32 {
	t.Helper()
	res, err := inst.Call(context.Background(), name)
	require.NoError(t, err)
	return api.DecodeI32(res[0])
}
