package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/runtime"
	"github.com/wippyai/wasm-ffi/transcoder"
)

// output is something read back from linear memory after the call.
type output struct {
	label string
	read  func() (string, error)
}

// call holds the lowered parameters of one invocation and the memory they
// point to.
type call struct {
	frame    *transcoder.Frame
	params   []uint64
	outputs  []output
	releases []func()
}

func (c *call) release() {
	for i := len(c.releases) - 1; i >= 0; i-- {
		c.releases[i]()
	}
	c.frame.Release()
}

// lower parses raw arguments against the parameter types of def.
func lower(ctx context.Context, inst *runtime.Instance, def api.FunctionDefinition, raw []string) (*call, error) {
	types := def.ParamTypes()
	c := &call{frame: inst.NewFrame()}

	for _, arg := range raw {
		if len(c.params) >= len(types) {
			c.release()
			return nil, errors.InvalidInput(errors.PhaseEncode,
				fmt.Sprintf("%s takes %d parameters, got more", def.Name(), len(types)))
		}
		if err := c.add(ctx, inst, arg, types[len(c.params)]); err != nil {
			c.release()
			return nil, err
		}
	}

	if len(c.params) != len(types) {
		c.release()
		return nil, errors.InvalidInput(errors.PhaseEncode,
			fmt.Sprintf("%s takes %d parameters, got %d", def.Name(), len(types), len(c.params)))
	}
	return c, nil
}

func (c *call) add(ctx context.Context, inst *runtime.Instance, arg string, next api.ValueType) error {
	switch arg {
	case "wbuf":
		w, err := inst.NewNativeWriteBuffer(ctx, inst.Config().GrowthCapacity)
		if err != nil {
			return err
		}
		c.releases = append(c.releases, func() { _ = w.Release(ctx) })
		c.params = append(c.params, api.EncodeU32(w.Ptr()))
		c.outputs = append(c.outputs, output{label: "wbuf", read: func() (string, error) {
			s, err := w.Text(ctx)
			return strconv.Quote(s), err
		}})
		return nil

	case "sink":
		buf, release, err := inst.NewGrowthBuffer(inst.Config().GrowthCapacity)
		if err != nil {
			return err
		}
		c.releases = append(c.releases, release)
		c.params = append(c.params, api.EncodeU32(buf.Ptr()))
		c.outputs = append(c.outputs, output{label: "sink", read: func() (string, error) {
			s, err := buf.Text()
			return strconv.Quote(s), err
		}})
		return nil
	}

	kind, value, ok := strings.Cut(arg, ":")
	if !ok {
		kind, value = api.ValueTypeName(next), arg
	}

	switch kind {
	case "str", "str16", "latin1":
		enc := map[string]transcoder.Encoding{
			"str":    transcoder.UTF8,
			"str16":  transcoder.UTF16,
			"latin1": transcoder.Latin1,
		}[kind]
		s, err := c.frame.Encode(value, enc)
		if err != nil {
			return err
		}
		c.params = append(c.params, s.Splat()...)
		return nil

	case "ret":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return errors.InvalidInput(errors.PhaseEncode, "ret needs a positive byte count: "+arg)
		}
		size := uint32(n)
		a := inst.Arena()
		ptr := c.frame.Alloc(size, 8)
		if err := a.Write(ptr, make([]byte, size)); err != nil {
			return err
		}
		c.params = append(c.params, api.EncodeU32(ptr))
		c.outputs = append(c.outputs, output{label: "ret", read: func() (string, error) {
			b, err := a.ReadCopy(ptr, size)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (last byte %d)", hex.EncodeToString(b), b[size-1]), nil
		}})
		return nil
	}

	v, err := scalar(kind, value)
	if err != nil {
		return err
	}
	c.params = append(c.params, v)
	return nil
}

// scalar encodes one typed scalar argument.
func scalar(kind, value string) (uint64, error) {
	bad := func(err error) error {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidInput, err, kind+":"+value)
	}

	switch kind {
	case "i32":
		v, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return 0, bad(err)
		}
		return api.EncodeI32(int32(v)), nil
	case "u32":
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return 0, bad(err)
		}
		return api.EncodeU32(uint32(v)), nil
	case "i64":
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return 0, bad(err)
		}
		return api.EncodeI64(v), nil
	case "u64":
		v, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return 0, bad(err)
		}
		return v, nil
	case "f32":
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return 0, bad(err)
		}
		return api.EncodeF32(float32(v)), nil
	case "f64":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, bad(err)
		}
		return api.EncodeF64(v), nil
	case "bool":
		v, err := strconv.ParseBool(value)
		if err != nil {
			return 0, bad(err)
		}
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Unsupported(errors.PhaseEncode, "argument type "+kind)
}

// report is the printable outcome of a call.
type report struct {
	name    string
	results []string
	outputs []string
}

func (r *report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", r.name)
	if len(r.results) == 0 {
		b.WriteString(" ()")
	}
	for _, v := range r.results {
		b.WriteString(" ")
		b.WriteString(v)
	}
	b.WriteString("\n")
	for _, o := range r.outputs {
		b.WriteString("  ")
		b.WriteString(o)
		b.WriteString("\n")
	}
	return b.String()
}

// execute lowers raw, calls fn and reads back results and outputs.
func execute(ctx context.Context, inst *runtime.Instance, defs []api.FunctionDefinition, fn string, raw []string) (*report, error) {
	var def api.FunctionDefinition
	for _, d := range defs {
		if d.Name() == fn {
			def = d
			break
		}
	}
	if def == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", fn)
	}

	c, err := lower(ctx, inst, def, raw)
	if err != nil {
		return nil, err
	}
	defer c.release()

	res, err := inst.Call(ctx, fn, c.params...)
	if err != nil {
		return nil, err
	}

	rep := &report{name: fn}
	for i, t := range def.ResultTypes() {
		rep.results = append(rep.results, formatValue(t, res[i]))
	}
	for _, o := range c.outputs {
		s, err := o.read()
		if err != nil {
			return nil, err
		}
		rep.outputs = append(rep.outputs, o.label+" = "+s)
	}
	return rep, nil
}

func formatValue(t api.ValueType, v uint64) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%#x", v)
}
