package wasm

import (
	"context"
	"encoding/json"

	"github.com/tamasfe/opa-go/errors"
)

// ctxState is the guest-side footprint of one evaluation context.
type ctxState struct {
	inputAddr addr
	ctxAddr   addr
}

// strategy covers the part of the engine that differs between ABI
// regimes. It is selected once at build time; nothing else in the engine
// branches on the ABI version.
//
// The malloc strategy (ABI 1.0/1.1) drives the eval-context exports and
// pairs every guest allocation with an explicit free. The heap strategy
// (ABI 1.2+) drives single-call opa_eval and reclaims transient
// allocations by rewinding the guest heap pointer to a checkpoint.
type strategy interface {
	name() string

	// init runs once at build time, after the entrypoint table is read.
	init(ctx context.Context) error

	// setData replaces the dataset document and updates e.dataAddr.
	setData(ctx context.Context, data any) error

	// evalOnce performs a full one-shot evaluation against the current
	// dataset.
	evalOnce(ctx context.Context, entrypoint string, id int32, input, out any) error

	// ctxCreate builds a guest evaluation context bound to input and the
	// current dataset.
	ctxCreate(ctx context.Context, input any) (ctxState, error)

	// ctxEval selects the entrypoint and evaluates it against the bound
	// input.
	ctxEval(ctx context.Context, st *ctxState, entrypoint string, id int32, out any) error

	// ctxRelease returns the context's guest memory.
	ctxRelease(ctx context.Context, st *ctxState) error

	// freesBuffers reports whether transient guest buffers need explicit
	// opa_free calls.
	freesBuffers() bool
}

// newGuestContext allocates a guest evaluation context record and binds
// the input and dataset documents to it.
func (e *Opa) newGuestContext(ctx context.Context, inputAddr addr) (addr, error) {
	cv, err := e.callFn(ctx, e.fns.ctxNew)
	if err != nil {
		return 0, err
	}
	ctxAddr := addr(uint32(cv))
	if _, err := e.callFn(ctx, e.fns.ctxSetInput, uint64(ctxAddr), uint64(inputAddr)); err != nil {
		return 0, err
	}
	if _, err := e.callFn(ctx, e.fns.ctxSetData, uint64(ctxAddr), uint64(e.dataAddr)); err != nil {
		return 0, err
	}
	return ctxAddr, nil
}

// mallocStrategy is the ABI 1.0/1.1 regime.
type mallocStrategy struct {
	e *Opa
}

func (s *mallocStrategy) name() string       { return "malloc" }
func (s *mallocStrategy) freesBuffers() bool { return true }

func (s *mallocStrategy) init(context.Context) error { return nil }

func (s *mallocStrategy) setData(ctx context.Context, data any) error {
	e := s.e
	if e.dataAddr != 0 {
		old := e.dataAddr
		e.dataAddr = 0
		if err := e.mem.free(ctx, old); err != nil {
			return err
		}
	}
	a, err := e.writeJSON(ctx, "data", data, true)
	if err != nil {
		return err
	}
	e.dataAddr = a
	return nil
}

// evalOnce runs through a transient context. An evaluation failure wins
// over a release failure; a release failure alone surfaces as a leak.
func (s *mallocStrategy) evalOnce(ctx context.Context, entrypoint string, id int32, input, out any) error {
	st, err := s.ctxCreate(ctx, input)
	if err != nil {
		return err
	}
	evalErr := s.ctxEval(ctx, &st, entrypoint, id, out)
	relErr := s.ctxRelease(ctx, &st)
	if evalErr != nil {
		return evalErr
	}
	if relErr != nil {
		return errors.Leak("evaluation context", relErr)
	}
	return nil
}

func (s *mallocStrategy) ctxCreate(ctx context.Context, input any) (ctxState, error) {
	e := s.e
	inputAddr, err := e.writeJSON(ctx, "input", input, true)
	if err != nil {
		return ctxState{}, err
	}
	ctxAddr, err := e.newGuestContext(ctx, inputAddr)
	if err != nil {
		return ctxState{}, err
	}
	return ctxState{inputAddr: inputAddr, ctxAddr: ctxAddr}, nil
}

func (s *mallocStrategy) ctxEval(ctx context.Context, st *ctxState, entrypoint string, id int32, out any) error {
	e := s.e
	if _, err := e.callFn(ctx, e.fns.ctxSetEntrypoint, uint64(st.ctxAddr), uint64(uint32(id))); err != nil {
		return err
	}
	if _, err := e.callFn(ctx, e.fns.eval, uint64(st.ctxAddr)); err != nil {
		return err
	}
	rv, err := e.callFn(ctx, e.fns.ctxGetResult, uint64(st.ctxAddr))
	if err != nil {
		return err
	}
	rAddr := addr(uint32(rv))
	raw, err := e.dumpJSON(ctx, rAddr, true)
	if err != nil {
		return err
	}
	if err := e.mem.free(ctx, rAddr); err != nil {
		return err
	}
	return decodeResultSet(raw, entrypoint, out)
}

func (s *mallocStrategy) ctxRelease(ctx context.Context, st *ctxState) error {
	e := s.e
	var firstErr error
	if st.inputAddr != 0 {
		if err := e.mem.free(ctx, st.inputAddr); err != nil {
			firstErr = err
		}
		st.inputAddr = 0
	}
	if st.ctxAddr != 0 {
		if err := e.mem.free(ctx, st.ctxAddr); err != nil && firstErr == nil {
			firstErr = err
		}
		st.ctxAddr = 0
	}
	return firstErr
}

// heapStrategy is the ABI 1.2+ regime. baseHeapPtr marks the end of the
// module's initial allocations; evalHeapPtr marks the end of the dataset.
// Everything past evalHeapPtr is transient and reclaimed after each
// evaluation by rewinding the guest heap pointer.
type heapStrategy struct {
	e *Opa
}

func (s *heapStrategy) name() string       { return "heap" }
func (s *heapStrategy) freesBuffers() bool { return false }

func (s *heapStrategy) init(ctx context.Context) error {
	e := s.e
	base, err := e.heapPtrGet(ctx)
	if err != nil {
		return err
	}
	e.baseHeapPtr = base
	e.evalHeapPtr = base
	return nil
}

// setData rewinds to the post-initialization checkpoint, discarding the
// previous dataset, then records the new end-of-dataset checkpoint.
func (s *heapStrategy) setData(ctx context.Context, data any) error {
	e := s.e
	e.dataAddr = 0
	if err := e.heapPtrSet(ctx, e.baseHeapPtr); err != nil {
		return err
	}
	a, err := e.writeJSON(ctx, "data", data, false)
	if err != nil {
		return err
	}
	e.dataAddr = a
	ep, err := e.heapPtrGet(ctx)
	if err != nil {
		return err
	}
	e.evalHeapPtr = ep
	return nil
}

// evalOnce writes the raw input text directly past the dataset and lets
// opa_eval parse, evaluate and serialize in one call. The heap pointer is
// restored afterwards so back-to-back evaluations reuse the same region.
func (s *heapStrategy) evalOnce(ctx context.Context, entrypoint string, id int32, input, out any) error {
	e := s.e
	raw, err := json.Marshal(input)
	if err != nil {
		return errors.Encode("input", err)
	}

	in := e.evalHeapPtr
	n := uint32(len(raw))
	if err := e.mem.ensure(in, n); err != nil {
		return err
	}
	if err := e.mem.write(in, raw); err != nil {
		return err
	}

	rv, err := e.callFn(ctx, e.fns.opaEval,
		0, // reserved
		uint64(uint32(id)),
		uint64(e.dataAddr),
		uint64(in),
		uint64(n),
		uint64(in)+uint64(n), // heap pointer for evaluation
		0,                    // serialize result as JSON text
	)
	if err != nil {
		return err
	}
	resRaw, err := e.mem.readNullTerminated(addr(uint32(rv)))
	if err != nil {
		return err
	}
	if err := e.heapPtrSet(ctx, e.evalHeapPtr); err != nil {
		return err
	}
	return decodeResultSet(resRaw, entrypoint, out)
}

func (s *heapStrategy) ctxCreate(ctx context.Context, input any) (ctxState, error) {
	e := s.e
	if err := e.heapPtrSet(ctx, e.evalHeapPtr); err != nil {
		return ctxState{}, err
	}
	inputAddr, err := e.writeJSON(ctx, "input", input, false)
	if err != nil {
		return ctxState{}, err
	}
	ctxAddr, err := e.newGuestContext(ctx, inputAddr)
	if err != nil {
		return ctxState{}, err
	}
	return ctxState{inputAddr: inputAddr, ctxAddr: ctxAddr}, nil
}

// ctxEval brackets the evaluation with a heap snapshot so scratch
// allocations from one Eval do not pile up across a long-lived context.
func (s *heapStrategy) ctxEval(ctx context.Context, st *ctxState, entrypoint string, id int32, out any) error {
	e := s.e
	pre, err := e.heapPtrGet(ctx)
	if err != nil {
		return err
	}
	if _, err := e.callFn(ctx, e.fns.ctxSetEntrypoint, uint64(st.ctxAddr), uint64(uint32(id))); err != nil {
		return err
	}
	if _, err := e.callFn(ctx, e.fns.eval, uint64(st.ctxAddr)); err != nil {
		return err
	}
	rv, err := e.callFn(ctx, e.fns.ctxGetResult, uint64(st.ctxAddr))
	if err != nil {
		return err
	}
	raw, err := e.dumpJSON(ctx, addr(uint32(rv)), false)
	if err != nil {
		return err
	}
	if err := e.heapPtrSet(ctx, pre); err != nil {
		return err
	}
	return decodeResultSet(raw, entrypoint, out)
}

func (s *heapStrategy) ctxRelease(ctx context.Context, st *ctxState) error {
	st.inputAddr = 0
	st.ctxAddr = 0
	return s.e.heapPtrSet(ctx, s.e.evalHeapPtr)
}
