package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the module the Go callbacks are registered under.
// Guests import them from "env"; the synthesized env facade re-exports
// everything registered here.
const hostModuleName = "opa_host"

// AbortHandler observes fatal guest errors. It runs before the engine
// unwinds the in-flight call, so it must not call back into the engine.
type AbortHandler func(msg string)

// PrintlnHandler observes diagnostic output emitted by the guest via
// opa_println (for example from Rego's print() builtin on some
// compilers).
type PrintlnHandler func(msg string)

// guestAborted unwinds an opa_abort out of the in-flight guest call.
// Operation boundaries recover it and report a trap error.
type guestAborted struct {
	msg string
}

// registerHost instantiates the host callback module. Builtins are
// registered as stubs that return the undefined sentinel: the engine
// does not implement host-side builtins, so a policy that reaches one
// sees that sub-expression as undefined.
func (e *Opa) registerHost(ctx context.Context) (api.Module, error) {
	i32 := api.ValueTypeI32

	builder := e.runtime.NewHostModuleBuilder(hostModuleName)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			msg := hostCString(mod.Memory(), uint32(stack[0]))
			e.lastAbort = msg
			e.abort(msg)
			panic(guestAborted{msg: msg})
		}), []api.ValueType{i32}, nil).
		Export(impAbort)

	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			e.println(hostCString(mod.Memory(), uint32(stack[0])))
		}), []api.ValueType{i32}, nil).
		Export(impPrintln)

	undefined := api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
		stack[0] = 0
	})
	builtins := []string{impBuiltin0, impBuiltin1, impBuiltin2, impBuiltin3, impBuiltin4}
	for i, name := range builtins {
		// builtin_id, context, then one i32 per argument
		params := make([]api.ValueType, 2+i)
		for j := range params {
			params[j] = i32
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(undefined, params, []api.ValueType{i32}).
			Export(name)
	}

	return builder.Instantiate(ctx)
}
