package transcoder

import (
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-ffi/errors"
)

type bidiDirection int32

const (
	bidiLtr bidiDirection = iota
	bidiRtl
	bidiMixed
)

var bidiDirections = NewEnum("BidiDirection",
	EnumCase[bidiDirection]{"Ltr", bidiLtr},
	EnumCase[bidiDirection]{"Rtl", bidiRtl},
	EnumCase[bidiDirection]{"Mixed", bidiMixed},
)

type parseError int32

var parseErrors = NewEnum("FixedDecimalParseError",
	EnumCase[parseError]{"Unknown", 0x000},
	EnumCase[parseError]{"Limit", 0x205},
	EnumCase[parseError]{"Syntax", 0x206},
)

func TestEnum_RoundTrip(t *testing.T) {
	for _, c := range bidiDirections.Cases() {
		disc, err := bidiDirections.Lower(c.Value)
		if err != nil {
			t.Fatalf("lower %s: %v", c.Name, err)
		}
		back, err := bidiDirections.Lift(disc)
		if err != nil {
			t.Fatalf("lift %d: %v", disc, err)
		}
		if back != c.Value {
			t.Errorf("%s round trip = %d, want %d", c.Name, back, c.Value)
		}
		byName, err := bidiDirections.FromName(c.Name)
		if err != nil || byName != c.Value {
			t.Errorf("FromName(%s) = %d, %v", c.Name, byName, err)
		}
		if name, ok := bidiDirections.Name(c.Value); !ok || name != c.Name {
			t.Errorf("Name(%d) = %q, %v", c.Value, name, ok)
		}
	}
}

func TestEnum_SparseDiscriminants(t *testing.T) {
	v, err := parseErrors.Lift(0x206)
	if err != nil || v != 0x206 {
		t.Fatalf("lift = %d, %v", v, err)
	}
	if name, _ := parseErrors.Name(v); name != "Syntax" {
		t.Errorf("name = %q", name)
	}
	table := parseErrors.Table()
	if len(table) != 3 || table[0x205] != "Limit" {
		t.Errorf("table = %v", table)
	}
}

func TestEnum_UnknownValues(t *testing.T) {
	if _, err := bidiDirections.FromName("Sideways"); !isKind(err, errors.PhaseEncode, errors.KindInvalidEnum) {
		t.Errorf("FromName: expected invalid_enum, got %v", err)
	}
	if _, err := bidiDirections.Lower(bidiDirection(7)); !isKind(err, errors.PhaseEncode, errors.KindInvalidEnum) {
		t.Errorf("Lower: expected invalid_enum, got %v", err)
	}
	if _, err := bidiDirections.Lift(3); !isKind(err, errors.PhaseDecode, errors.KindInvalidEnum) {
		t.Errorf("Lift: expected invalid_enum decode error, got %v", err)
	}
}

func TestEnum_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate discriminant")
		}
	}()
	NewEnum("Broken",
		EnumCase[int32]{"A", 1},
		EnumCase[int32]{"B", 1},
	)
}

func TestEnumFromWIT(t *testing.T) {
	name := "collator-strength"
	td := &wit.TypeDef{
		Name: &name,
		Kind: &wit.Enum{Cases: []wit.EnumCase{
			{Name: "primary"}, {Name: "secondary"}, {Name: "tertiary"},
		}},
	}

	e, err := EnumFromWIT[int32](td)
	if err != nil {
		t.Fatal(err)
	}
	if e.TypeName() != name {
		t.Errorf("type name = %q", e.TypeName())
	}
	if v, _ := e.FromName("tertiary"); v != 2 {
		t.Errorf("tertiary = %d, want 2", v)
	}

	_, err = EnumFromWIT[int32](&wit.TypeDef{Kind: &wit.Record{}})
	if !isKind(err, errors.PhaseLoad, errors.KindTypeMismatch) {
		t.Errorf("expected type mismatch, got %v", err)
	}
}
