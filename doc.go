// Package opa provides embedded evaluation of Open Policy Agent policies
// compiled to WebAssembly, plus clients for the surrounding OPA tooling.
//
// Policies are evaluated in process inside a wazero sandbox: no OPA server,
// no network round trip. The library implements the OPA wasm ABI (memory
// management, JSON marshaling, entrypoint dispatch) for both ABI 1.0
// (explicit malloc/free) and ABI 1.2+ (single-call evaluation with
// heap-pointer reclamation).
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	opa/             Root package with the typed Decision binding
//	├── wasm/        The evaluation runtime: builder, engine, eval contexts
//	├── bundle/      OPA bundle (tar.gz) reading and change watching
//	├── opahttp/     Client for a remote OPA server's REST API
//	├── build/       Wrapper around the opa CLI to compile Rego to wasm
//	└── errors/      Structured error types shared by all packages
//
// # Quick Start
//
// Build an engine from a compiled policy and evaluate a decision:
//
//	eng, err := wasm.NewBuilder().Build(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	if err := eng.SetData(ctx, map[string]any{"users": users}); err != nil {
//	    log.Fatal(err)
//	}
//
//	var allowed bool
//	err = eng.Eval(ctx, "example/allow", map[string]any{"user_id": "test"}, &allowed)
//
// Or bind the decision statically and let the types follow:
//
//	var Allow = opa.Decision[AllowInput, bool]{Path: "example.allow"}
//
//	allowed, err := wasm.Decide(ctx, eng, Allow, AllowInput{UserID: "test"})
//
// # Thread Safety
//
// An engine instance is NOT safe for concurrent use: the guest's linear
// memory and execution state are not reentrant. Use one engine per
// goroutine; engines are cheap relative to policy evaluation volume.
//
// # Memory Model
//
// WASM linear memory only grows, never shrinks. Under ABI 1.2+ the engine
// reclaims all per-evaluation scratch by rewinding the guest heap pointer,
// so long-running engines stay at their post-dataset footprint. Under ABI
// 1.0 the guest's own allocator recycles freed regions.
package opa
