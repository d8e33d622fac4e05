package transcoder

import (
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/transcoder/internal/abi"
)

type Memory = wasmffi.Memory
type Allocator = wasmffi.Allocator

// Encoding is the code unit format a native function expects.
type Encoding uint8

const (
	UTF8 Encoding = iota
	UTF16
	Latin1
)

var (
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	latin1  = charmap.ISO8859_1
)

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf8"
	case UTF16:
		return "utf16"
	case Latin1:
		return "latin1"
	default:
		return "unknown"
	}
}

// UnitSize is the width of one code unit in bytes.
func (e Encoding) UnitSize() uint32 {
	if e == UTF16 {
		return 2
	}
	return 1
}

// ParseEncoding maps a name to an Encoding. Diplomat aliases are accepted.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "utf8", "utf-8", "str8":
		return UTF8, nil
	case "utf16", "utf-16", "str16":
		return UTF16, nil
	case "latin1", "iso-8859-1":
		return Latin1, nil
	}
	return 0, errors.InvalidEnum(errors.PhaseEncode, nil, name, "encoding")
}

func (e Encoding) codec() encoding.Encoding {
	switch e {
	case UTF16:
		return utf16LE
	case Latin1:
		return latin1
	}
	return nil
}

// encode transcodes s into code units. The returned count is in units.
func (e Encoding) encode(s string) ([]byte, uint32, error) {
	if len(s) > abi.MaxStringSize {
		return nil, 0, errors.Overflow(errors.PhaseEncode, nil, len(s), "string")
	}
	if !utf8.ValidString(s) {
		return nil, 0, errors.InvalidUTF8(errors.PhaseEncode, nil, []byte(s))
	}

	switch e {
	case UTF8:
		return []byte(s), uint32(len(s)), nil
	case UTF16, Latin1:
		out, err := e.codec().NewEncoder().Bytes([]byte(s))
		if err != nil {
			return nil, 0, errors.New(errors.PhaseEncode, errors.KindInvalidInput).
				Value(s).
				Detail("not representable in %s", e).
				Cause(err).
				Build()
		}
		return out, uint32(len(out)) / e.UnitSize(), nil
	}
	return nil, 0, errors.Unsupported(errors.PhaseEncode, "encoding "+e.String())
}

// Decode copies count code units at ptr out of memory and transcodes them
// to a Go string.
func Decode(mem Memory, ptr, count uint32, enc Encoding) (string, error) {
	if count == 0 {
		return "", nil
	}

	size, ok := abi.SafeMulU32(count, enc.UnitSize())
	if !ok || size > abi.MaxStringSize {
		return "", errors.Overflow(errors.PhaseDecode, nil, count, enc.String())
	}

	data, err := mem.Read(ptr, size)
	if err != nil {
		return "", err
	}

	switch enc {
	case UTF8:
		if !utf8.Valid(data) {
			return "", errors.InvalidUTF8(errors.PhaseDecode, nil, data)
		}
		return string(data), nil
	case UTF16:
		if err := checkSurrogates(data); err != nil {
			return "", err
		}
		fallthrough
	case Latin1:
		out, err := enc.codec().NewDecoder().Bytes(data)
		if err != nil {
			return "", errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "transcode "+enc.String())
		}
		return string(out), nil
	}
	return "", errors.Unsupported(errors.PhaseDecode, "encoding "+enc.String())
}

// checkSurrogates rejects unpaired surrogates, which the x/text decoder
// would otherwise replace with U+FFFD.
func checkSurrogates(data []byte) error {
	for i := 0; i+1 < len(data); i += 2 {
		u := rune(data[i]) | rune(data[i+1])<<8
		if !utf16.IsSurrogate(u) {
			continue
		}
		if u >= 0xDC00 || i+3 >= len(data) {
			return errors.InvalidData(errors.PhaseDecode, nil, "unpaired surrogate")
		}
		next := rune(data[i+2]) | rune(data[i+3])<<8
		if next < 0xDC00 || next > 0xDFFF {
			return errors.InvalidData(errors.PhaseDecode, nil, "unpaired surrogate")
		}
		i += 2
	}
	return nil
}
