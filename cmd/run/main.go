package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/term"

	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/runtime"
)

const (
	funcFlag        = "func"
	listFlag        = "list"
	interactiveFlag = "interactive"
	logLevelFlag    = "log-level"
	logFormatFlag   = "log-format"
	allocFlag       = "alloc-export"
	freeFlag        = "free-export"
	pagesFlag       = "memory-pages"
	capacityFlag    = "sink-capacity"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file.wasm> [args...]",
		Short: "Call exports of a diplomat-style native module",
		Long: `
run loads a core WebAssembly module that follows the diplomat calling
convention and calls one of its exports.

Arguments are typed: i32:, u32:, i64:, u64:, f32:, f64: and bool: give a
scalar; str:, str16: and latin1: pass a (ptr, len) pair; "sink" passes a
host write sink and "wbuf" a sink created by the module's
diplomat_buffer_write exports, both printed after the call; ret:N passes
an N-byte return area that is dumped after the call. A bare value takes
the type of the parameter at its position.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := configFromFlags(ctx, cmd.Flags())
			if err != nil {
				return err
			}

			if cmd.Flags().Changed(interactiveFlag) {
				if !term.IsTerminal(int(os.Stdout.Fd())) {
					return errors.InvalidInput(errors.PhaseConfig, "interactive mode needs a terminal")
				}
				return runInteractive(args[0], cfg)
			}

			fn, _ := cmd.Flags().GetString(funcFlag)
			list, _ := cmd.Flags().GetBool(listFlag)
			return run(ctx, cmd, cfg, args[0], fn, args[1:], list)
		},
	}

	cmd.Flags().StringP(funcFlag, "f", "", "export to call")
	cmd.Flags().Bool(listFlag, false, "list exported functions and exit")
	cmd.Flags().BoolP(interactiveFlag, "i", false, "explore the module in a terminal UI")
	cmd.Flags().String(logLevelFlag, "", "log level (overrides WASMFFI_LOG_LEVEL)")
	cmd.Flags().String(logFormatFlag, "", "log format, json or console (overrides WASMFFI_LOG_FORMAT)")
	cmd.Flags().String(allocFlag, "", "allocator export (overrides WASMFFI_ALLOC_EXPORT)")
	cmd.Flags().String(freeFlag, "", "deallocator export (overrides WASMFFI_FREE_EXPORT)")
	cmd.Flags().Uint32(pagesFlag, 0, "linear memory limit in 64KiB pages (overrides WASMFFI_MEMORY_LIMIT_PAGES)")
	cmd.Flags().Uint32(capacityFlag, 0, "initial write sink capacity (overrides WASMFFI_GROWTH_CAPACITY)")

	return cmd
}

// configFromFlags resolves the environment and applies the flags that were
// set explicitly.
func configFromFlags(ctx context.Context, flags *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Resolve(ctx, nil)
	if err != nil {
		return cfg, err
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{logLevelFlag, &cfg.LogLevel},
		{logFormatFlag, &cfg.LogFormat},
		{allocFlag, &cfg.AllocExport},
		{freeFlag, &cfg.FreeExport},
	}
	for _, s := range strs {
		if !flags.Changed(s.name) {
			continue
		}
		v, err := flags.GetString(s.name)
		if err != nil {
			return cfg, fmt.Errorf("get string flag '%s' value: %w", s.name, err)
		}
		*s.dst = v
	}

	if flags.Changed(pagesFlag) {
		if cfg.MemoryLimitPages, err = flags.GetUint32(pagesFlag); err != nil {
			return cfg, fmt.Errorf("get uint32 flag '%s' value: %w", pagesFlag, err)
		}
	}
	if flags.Changed(capacityFlag) {
		if cfg.GrowthCapacity, err = flags.GetUint32(capacityFlag); err != nil {
			return cfg, fmt.Errorf("get uint32 flag '%s' value: %w", capacityFlag, err)
		}
	}

	return cfg, cfg.Validate()
}

// open loads path into a fresh runtime. The returned close function
// releases everything in reverse order.
func open(ctx context.Context, cfg config.Config, path string) (*runtime.Module, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}

	rt, err := runtime.New(ctx, runtime.WithConfig(cfg), runtime.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	mod, err := rt.LoadNamed(ctx, moduleName(path), data)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, nil, err
	}

	return mod, func() {
		_ = mod.Close(ctx)
		_ = rt.Close(ctx)
		_ = logger.Sync()
	}, nil
}

func moduleName(path string) string {
	name := path
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, ".wasm")
}

func run(ctx context.Context, cmd *cobra.Command, cfg config.Config, path, fn string, raw []string, listOnly bool) error {
	mod, closeAll, err := open(ctx, cfg, path)
	if err != nil {
		return err
	}
	defer closeAll()

	out := cmd.OutOrStdout()
	if listOnly || fn == "" {
		fmt.Fprintf(out, "Module: %s\n\nExported functions:\n", path)
		for _, def := range mod.Exports() {
			fmt.Fprintf(out, "  %s\n", signature(def))
		}
		if !listOnly {
			fmt.Fprintf(out, "\nUse --%s to call a function.\n", funcFlag)
		}
		return nil
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return err
	}
	defer inst.Close(ctx)

	rep, err := execute(ctx, inst, mod.Exports(), fn, raw)
	if err != nil {
		return err
	}
	fmt.Fprint(out, rep.String())
	return nil
}

// signature renders an export as name(params) -> results.
func signature(def api.FunctionDefinition) string {
	names := def.ParamNames()
	params := make([]string, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		params[i] = api.ValueTypeName(t)
		if i < len(names) && names[i] != "" {
			params[i] = names[i] + ": " + params[i]
		}
	}

	results := make([]string, len(def.ResultTypes()))
	for i, t := range def.ResultTypes() {
		results[i] = api.ValueTypeName(t)
	}

	s := def.Name() + "(" + strings.Join(params, ", ") + ")"
	if len(results) > 0 {
		s += " -> " + strings.Join(results, ", ")
	}
	return s
}
