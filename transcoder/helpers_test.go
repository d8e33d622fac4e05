package transcoder

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/wasm-ffi/arena"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/testmodule"
)

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := rt.Instantiate(ctx, testmodule.Allocator())
	if err != nil {
		t.Fatalf("failed to instantiate: %v", err)
	}
	a, err := arena.New(ctx, mod, arena.DefaultExports)
	if err != nil {
		t.Fatalf("arena: %v", err)
	}
	return a
}

func isKind(err error, phase errors.Phase, kind errors.Kind) bool {
	return errors.Is(err, &errors.Error{Phase: phase, Kind: kind})
}
