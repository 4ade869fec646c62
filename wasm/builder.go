package wasm

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/tamasfe/opa-go/bundle"
	"github.com/tamasfe/opa-go/errors"
)

// Builder assembles Opa instances. The zero builder is usable; options
// are chained:
//
//	eng, err := wasm.NewBuilder().
//		WithMaxMemoryPages(256).
//		Build(ctx, moduleBytes)
type Builder struct {
	abort    AbortHandler
	println  PrintlnHandler
	maxPages uint32
	runtime  wazero.Runtime
	log      *zap.Logger
	metrics  *Metrics
}

// NewBuilder creates a builder with default settings: a fresh runtime
// per instance, unbounded guest memory, aborts logged as errors and
// println output written to stderr.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithAbortHandler replaces the default abort handler. The engine still
// reports the abort as a trap error after the handler returns.
func (b *Builder) WithAbortHandler(h AbortHandler) *Builder {
	b.abort = h
	return b
}

// WithPrintlnHandler replaces the default handler for guest diagnostic
// output, which writes lines to stderr.
func (b *Builder) WithPrintlnHandler(h PrintlnHandler) *Builder {
	b.println = h
	return b
}

// WithMaxMemoryPages caps the guest linear memory, in 64 KiB pages.
// Zero means unbounded (the wasm32 limit of 4 GiB).
func (b *Builder) WithMaxMemoryPages(n uint32) *Builder {
	b.maxPages = n
	return b
}

// WithRuntime instantiates the module inside an existing wazero runtime
// instead of creating one. The caller keeps ownership: closing the
// instance will not close the runtime.
func (b *Builder) WithRuntime(rt wazero.Runtime) *Builder {
	b.runtime = rt
	return b
}

// WithLogger overrides the package logger for instances built by this
// builder.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.log = l
	return b
}

// WithMetrics attaches evaluation metrics to instances built by this
// builder.
func (b *Builder) WithMetrics(m *Metrics) *Builder {
	b.metrics = m
	return b
}

func (b *Builder) logger() *zap.Logger {
	if b.log != nil {
		return b.log
	}
	return Logger()
}

// Build compiles moduleBytes, instantiates it with the host environment
// and initializes the instance: exports are resolved, the ABI version is
// read, the entrypoint table is parsed and the evaluation strategy is
// selected. The returned instance holds no dataset yet; call SetData
// before evaluating.
func (b *Builder) Build(ctx context.Context, moduleBytes []byte) (*Opa, error) {
	log := b.logger()

	e := &Opa{
		abort:   b.abort,
		println: b.println,
		log:     log,
		metrics: b.metrics,
	}
	if e.abort == nil {
		e.abort = func(msg string) {
			log.Error("guest abort", zap.String("message", msg))
		}
	}
	if e.println == nil {
		e.println = func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		}
	}

	if b.runtime != nil {
		e.runtime = b.runtime
	} else {
		cfg := wazero.NewRuntimeConfig()
		if b.maxPages > 0 {
			cfg = cfg.WithMemoryLimitPages(b.maxPages)
		}
		e.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
		e.ownsRuntime = true
	}

	if err := e.instantiate(ctx, moduleBytes, b.maxPages); err != nil {
		if e.ownsRuntime {
			e.runtime.Close(ctx)
		}
		return nil, err
	}
	return e, nil
}

// BuildFromBundle builds an instance from the wasm policy carried by a
// bundle, then loads the bundle's data document. A precompiled artifact
// attached to the bundle is skipped with a warning: artifacts target the
// native runtime that produced them and cannot be instantiated here, so
// the portable wasm module is used instead.
func (b *Builder) BuildFromBundle(ctx context.Context, bn *bundle.Bundle) (*Opa, error) {
	if len(bn.Precompiled) > 0 {
		b.logger().Warn("bundle carries a precompiled artifact, loading the portable wasm module instead")
	}
	mod := bn.WasmModule()
	if mod == nil {
		return nil, errors.NoModule()
	}
	e, err := b.Build(ctx, mod)
	if err != nil {
		return nil, err
	}
	if bn.Data != nil {
		if err := e.SetData(ctx, bn.Data); err != nil {
			e.Close(ctx)
			return nil, err
		}
	}
	return e, nil
}

// instantiate wires the host module, the env facade and the policy
// module into the runtime, in that order. The policy resolves all its
// imports from env.
func (e *Opa) instantiate(ctx context.Context, moduleBytes []byte, maxPages uint32) error {
	hostMod, err := e.registerHost(ctx)
	if err != nil {
		return errors.Instantiation(err)
	}
	e.hostMod = hostMod

	envMod, err := e.runtime.InstantiateWithConfig(ctx, envModuleBytes(maxPages),
		wazero.NewModuleConfig().WithName(envModuleName))
	if err != nil {
		return errors.Instantiation(err)
	}
	e.envMod = envMod

	compiled, err := e.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return errors.InvalidModule(err)
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return errors.Instantiation(err)
	}
	e.module = mod

	return e.initialize(ctx)
}

// initialize resolves the ABI surface and primes the instance for
// evaluation.
func (e *Opa) initialize(ctx context.Context) error {
	mem := e.envMod.ExportedMemory(impMemory)
	if mem == nil {
		return errors.MissingExport(impMemory)
	}

	fns := make(map[string]api.Function, len(requiredExports))
	for _, name := range requiredExports {
		fn := e.module.ExportedFunction(name)
		if fn == nil {
			return errors.MissingExport(name)
		}
		fns[name] = fn
	}
	e.fns = guestExports{
		entrypoints:      fns[expEntrypoints],
		jsonParse:        fns[expJSONParse],
		jsonDump:         fns[expJSONDump],
		malloc:           fns[expMalloc],
		free:             fns[expFree],
		ctxNew:           fns[expEvalCtxNew],
		ctxSetInput:      fns[expEvalCtxSetInput],
		ctxSetData:       fns[expEvalCtxSetData],
		ctxSetEntrypoint: fns[expEvalCtxSetEntrypoint],
		ctxGetResult:     fns[expEvalCtxGetResult],
		eval:             fns[expEval],
		heapPtrGet:       fns[expHeapPtrGet],
		heapPtrSet:       fns[expHeapPtrSet],
	}
	e.mem = newGuestMemory(mem, e.fns.malloc, e.fns.free)

	if g := e.module.ExportedGlobal(globalABIVersion); g != nil {
		e.abi.Major = int32(uint32(g.Get()))
	}
	if g := e.module.ExportedGlobal(globalABIMinorVersion); g != nil {
		e.abi.Minor = int32(uint32(g.Get()))
	}
	// A module that does not declare a version predates the globals and
	// speaks ABI 1.0.
	if e.abi.Major != 0 && e.abi.Major != 1 {
		return errors.UnsupportedABI(e.abi.Major, e.abi.Minor)
	}

	if e.abi.fastPath() {
		fn := e.module.ExportedFunction(expOneShotEval)
		if fn == nil {
			return errors.MissingExport(expOneShotEval)
		}
		e.fns.opaEval = fn
		e.strat = &heapStrategy{e: e}
	} else {
		e.strat = &mallocStrategy{e: e}
	}

	err := e.guard("", func() error {
		av, err := e.callFn(ctx, e.fns.entrypoints)
		if err != nil {
			return err
		}
		table := make(map[string]int32)
		if err := e.readJSON(ctx, addr(uint32(av)), &table, e.strat.freesBuffers()); err != nil {
			return err
		}
		e.entrypointTable = table
		return e.strat.init(ctx)
	})
	if err != nil {
		return err
	}

	e.log.Debug("policy module ready",
		zap.Int32("abi_major", e.abi.Major),
		zap.Int32("abi_minor", e.abi.Minor),
		zap.String("strategy", e.strat.name()),
		zap.Int("entrypoints", len(e.entrypointTable)))
	return nil
}
