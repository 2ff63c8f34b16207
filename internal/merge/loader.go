package merge

import (
	"context"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"go.uber.org/zap"
)

// WasmLoader compiles source on rt and instantiates it behind the
// capability shim. The returned instance has not been started.
func WasmLoader(rt *wasm.Runtime, source wasm.ModuleSource, logger *zap.Logger) GuestLoader {
	return func(ctx context.Context) (wasm.Guest, error) {
		compiled, err := wasm.NewModuleLoader(rt, logger).LoadModule(ctx, source)
		if err != nil {
			return nil, err
		}

		instances := wasm.NewInstanceManager(rt, wasm.NewHostFunctions(logger), logger)
		instance, err := instances.Instantiate(ctx, &wasm.InstanceConfig{
			ModuleName: compiled.Name,
		})
		if err != nil {
			return nil, err
		}
		return instance, nil
	}
}
