package wasm

import (
	"context"
	"iter"
	"maps"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	opa "github.com/tamasfe/opa-go"
	"github.com/tamasfe/opa-go/errors"
)

// guestExports caches the resolved policy exports so evaluation never
// performs a name lookup.
type guestExports struct {
	entrypoints      api.Function
	jsonParse        api.Function
	jsonDump         api.Function
	malloc           api.Function
	free             api.Function
	ctxNew           api.Function
	ctxSetInput      api.Function
	ctxSetData       api.Function
	ctxSetEntrypoint api.Function
	ctxGetResult     api.Function
	eval             api.Function
	opaEval          api.Function // nil below ABI 1.2
	heapPtrGet       api.Function
	heapPtrSet       api.Function
}

// Opa is an instantiated policy module ready to evaluate decisions.
// Instances are not safe for concurrent use; callers that share one
// across goroutines must serialize access or pool instances.
type Opa struct {
	runtime     wazero.Runtime
	ownsRuntime bool

	abort   AbortHandler
	println PrintlnHandler
	log     *zap.Logger
	metrics *Metrics

	hostMod api.Module
	envMod  api.Module
	module  api.Module

	mem *guestMemory
	fns guestExports
	abi ABIVersion

	strat           strategy
	entrypointTable map[string]int32

	// dataAddr is the current dataset document, zero when SetData has
	// not been called yet.
	dataAddr    addr
	baseHeapPtr addr
	evalHeapPtr addr

	activeCtx *EvalContext
	lastAbort string
	closed    bool
	stack     [8]uint64
}

// callFn invokes a guest export reusing the engine's stack buffer.
func (e *Opa) callFn(ctx context.Context, fn api.Function, args ...uint64) (uint64, error) {
	n := len(args)
	if n < 1 {
		n = 1
	}
	copy(e.stack[:], args)
	if err := fn.CallWithStack(ctx, e.stack[:n]); err != nil {
		return 0, err
	}
	return e.stack[0], nil
}

func (e *Opa) heapPtrGet(ctx context.Context) (addr, error) {
	v, err := e.callFn(ctx, e.fns.heapPtrGet)
	return addr(uint32(v)), err
}

func (e *Opa) heapPtrSet(ctx context.Context, a addr) error {
	_, err := e.callFn(ctx, e.fns.heapPtrSet, uint64(a))
	return err
}

// guard brackets an operation that enters the guest. A guest abort
// unwinds as a guestAborted panic, recovered here and reported as a trap
// together with the abort message. Raw wazero failures (unreachable,
// stack exhaustion, memory faults) are reported the same way.
func (e *Opa) guard(entrypoint string, fn func() error) (err error) {
	e.lastAbort = ""
	defer func() {
		if r := recover(); r != nil {
			if ab, ok := r.(guestAborted); ok {
				err = errors.Trap(entrypoint, ab.msg, nil)
				return
			}
			panic(r)
		}
	}()
	err = fn()
	if err != nil {
		if _, ok := err.(*errors.Error); !ok {
			err = errors.Trap(entrypoint, e.lastAbort, err)
		}
	}
	return err
}

func normalizeEntrypoint(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

// entrypointID resolves a dotted or slash-separated entrypoint name to
// the id the module assigned it.
func (e *Opa) entrypointID(name string) (int32, error) {
	id, ok := e.entrypointTable[normalizeEntrypoint(name)]
	if !ok {
		return 0, errors.UnknownEntrypoint(name)
	}
	return id, nil
}

// Entrypoints yields the entrypoint names the module publishes, in
// slash-separated form and unspecified order.
func (e *Opa) Entrypoints() iter.Seq[string] {
	return maps.Keys(e.entrypointTable)
}

// ABI returns the version pair the module declared.
func (e *Opa) ABI() ABIVersion {
	return e.abi
}

// SetData replaces the dataset all subsequent evaluations run against.
// The previous dataset is discarded. SetData must not be called while an
// evaluation context is active.
func (e *Opa) SetData(ctx context.Context, data any) error {
	if e.closed {
		return errors.EngineClosed()
	}
	if e.activeCtx != nil {
		return errors.ContextActive()
	}
	err := e.guard("", func() error {
		return e.strat.setData(ctx, data)
	})
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.observeDataUpdate()
	}
	e.log.Debug("dataset replaced")
	return nil
}

// Eval runs one entrypoint against input and decodes the decision into
// out. A nil out discards the decision. Entrypoint names accept dots in
// place of slashes. SetData must have been called at least once.
//
// An evaluation that produces no result reports a no-results error. A
// guest trap leaves the instance in an unspecified state; discard it
// rather than evaluating again.
func (e *Opa) Eval(ctx context.Context, entrypoint string, input, out any) error {
	if e.closed {
		return errors.EngineClosed()
	}
	if e.activeCtx != nil {
		return errors.ContextActive()
	}
	id, err := e.entrypointID(entrypoint)
	if err != nil {
		return err
	}
	if e.dataAddr == 0 {
		return errors.NoData()
	}

	start := time.Now()
	err = e.guard(entrypoint, func() error {
		return e.strat.evalOnce(ctx, entrypoint, id, input, out)
	})
	e.observeEval(entrypoint, start, err)
	return err
}

// EvalContext binds input once and returns a reusable context for
// evaluating several entrypoints against it. At most one context may be
// active per instance; Eval and SetData are rejected until it is closed.
func (e *Opa) EvalContext(ctx context.Context, input any) (*EvalContext, error) {
	if e.closed {
		return nil, errors.EngineClosed()
	}
	if e.activeCtx != nil {
		return nil, errors.ContextActive()
	}
	if e.dataAddr == 0 {
		return nil, errors.NoData()
	}

	var st ctxState
	err := e.guard("", func() error {
		var cerr error
		st, cerr = e.strat.ctxCreate(ctx, input)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	ec := &EvalContext{eng: e, state: st}
	e.activeCtx = ec
	return ec, nil
}

// Close releases the instance. An active evaluation context is released
// first. Closing twice is a no-op.
func (e *Opa) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	if e.activeCtx != nil {
		if err := e.activeCtx.Close(ctx); err != nil {
			firstErr = errors.Leak("evaluation context", err)
		}
	}

	if e.ownsRuntime {
		if err := e.runtime.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Leak("runtime", err)
		}
		return firstErr
	}
	for _, m := range []api.Module{e.module, e.envMod, e.hostMod} {
		if m == nil {
			continue
		}
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = errors.Leak("module instance", err)
		}
	}
	return firstErr
}

func (e *Opa) observeEval(entrypoint string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if pe, ok := err.(*errors.Error); ok && pe.Kind == errors.KindNoResults {
			outcome = "undefined"
		}
	}
	if e.metrics != nil {
		e.metrics.observeEvaluation(entrypoint, outcome, elapsed)
	}
	e.log.Debug("evaluation finished",
		zap.String("entrypoint", entrypoint),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed))
}

// Decide evaluates a typed decision point. The input and output types
// travel with the Decision value, so call sites stay free of manual
// assertions:
//
//	var allow = opa.Decision[AllowInput, bool]{Path: "example.allow"}
//	ok, err := wasm.Decide(ctx, eng, allow, AllowInput{UserID: "alice"})
func Decide[I, O any](ctx context.Context, e *Opa, d opa.Decision[I, O], input I) (O, error) {
	var out O
	if err := e.Eval(ctx, d.Path, input, &out); err != nil {
		var zero O
		return zero, err
	}
	return out, nil
}
