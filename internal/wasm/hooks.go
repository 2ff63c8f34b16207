package wasm

import "context"

// CallHooks receive the module's callbacks for the duration of one export
// call. They travel in the context passed to that call, so two calls can
// never observe each other's events.
type CallHooks struct {
	// Progress gets the raw stage code of js_merge_progress.
	Progress func(code uint32)

	// Panic gets the module's panic message before the call traps.
	Panic func(message string)
}

type callHooksKey struct{}

// WithCallHooks binds hooks to ctx.
func WithCallHooks(ctx context.Context, hooks *CallHooks) context.Context {
	return context.WithValue(ctx, callHooksKey{}, hooks)
}

// CallHooksFrom returns the hooks bound to ctx, or nil.
func CallHooksFrom(ctx context.Context) *CallHooks {
	hooks, _ := ctx.Value(callHooksKey{}).(*CallHooks)
	return hooks
}
