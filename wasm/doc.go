// Package wasm evaluates OPA policies compiled to WebAssembly.
//
// A policy module is instantiated once into an engine and then evaluated
// many times. The engine owns the guest's linear memory, implements the
// OPA wasm ABI calling convention on top of wazero, and exposes a typed
// decision API:
//
//	eng, err := wasm.NewBuilder().Build(ctx, wasmBytes)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	if err := eng.SetData(ctx, data); err != nil {
//	    return err
//	}
//
//	var allowed bool
//	if err := eng.Eval(ctx, "example/allow", input, &allowed); err != nil {
//	    return err
//	}
//
// Data must be set before the first evaluation and can be replaced at any
// time; each SetData call fully supersedes the previous dataset.
//
// To evaluate one input against several entrypoints without re-marshaling
// it, open an evaluation context:
//
//	ec, err := eng.EvalContext(ctx, input)
//	if err != nil {
//	    return err
//	}
//	defer ec.Close(ctx)
//
//	var allowed, audited bool
//	err = ec.Eval(ctx, "example/allow", &allowed)
//	err = ec.Eval(ctx, "example/audit", &audited)
//
// The engine detects the module's ABI version at build time. ABI 1.0
// modules are driven through explicit guest allocation (opa_malloc and
// eval contexts); ABI 1.2+ modules use the single-call opa_eval export
// with heap-pointer reclamation. The two regimes are selected once at
// initialization, never per call.
//
// Engines are not safe for concurrent use. Hold one engine per goroutine.
package wasm
