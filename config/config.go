// Package config resolves runtime configuration from the environment.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-ffi/errors"
)

// MaxMemoryPages is the largest linear memory a 32-bit module can address.
const MaxMemoryPages = 65536

// Config holds the settings shared by the runtime, engine and CLI.
type Config struct {
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `env:"WASMFFI_LOG_LEVEL,default=info"`

	// LogFormat selects the zap encoder: json or console.
	LogFormat string `env:"WASMFFI_LOG_FORMAT,default=console"`

	// AllocExport and FreeExport name the native allocator exports.
	AllocExport string `env:"WASMFFI_ALLOC_EXPORT,default=diplomat_alloc"`
	FreeExport  string `env:"WASMFFI_FREE_EXPORT,default=diplomat_free"`

	// MemoryLimitPages caps linear memory per instance (64KiB pages).
	// 0 leaves the wazero default.
	MemoryLimitPages uint32 `env:"WASMFFI_MEMORY_LIMIT_PAGES,default=0"`

	// GrowthCapacity is the initial capacity of output growth buffers.
	GrowthCapacity uint32 `env:"WASMFFI_GROWTH_CAPACITY,default=64"`

	// DrainBeforeCall runs pending finalizations before every native call.
	DrainBeforeCall bool `env:"WASMFFI_DRAIN_BEFORE_CALL,default=true"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "console",
		AllocExport:     "diplomat_alloc",
		FreeExport:      "diplomat_free",
		GrowthCapacity:  64,
		DrainBeforeCall: true,
	}
}

// Resolve reads the configuration through lookuper. A nil lookuper reads the
// process environment.
func Resolve(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lookuper); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "resolve environment")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that envconfig cannot express.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("log_level").
			Value(c.LogLevel).
			Cause(err).
			Build()
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("log_format").
			Value(c.LogFormat).
			Detail("want json or console").
			Build()
	}
	if c.MemoryLimitPages > MaxMemoryPages {
		return errors.Overflow(errors.PhaseConfig, []string{"memory_limit_pages"}, c.MemoryLimitPages, "memory pages")
	}
	if c.AllocExport == "" || c.FreeExport == "" {
		return errors.InvalidInput(errors.PhaseConfig, "allocator export names must not be empty")
	}
	return nil
}

// Logger builds a zap logger for the configured level and format.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse log level")
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
