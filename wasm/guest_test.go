package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// fakeImplModule backs the synthetic policy guests used by the tests.
// A guest module imports these functions and re-exports them under the
// ABI names, so the engine exercises the full wazero call path against
// behavior scripted in Go.
const fakeImplModule = "opa_guest_impl"

// fakeHeapBase leaves the low memory untouched, as a compiler would.
const fakeHeapBase = 4096

type fakeEvalCtx struct {
	input  uint32
	data   uint32
	ep     int32
	result uint32
}

// fakeVM models the guest side of the ABI: a bump allocator with
// size-class free lists, a document table keyed by handle, evaluation
// contexts and a fixed policy set. Allocator misuse (double frees, frees
// of unknown addresses) is recorded rather than tolerated.
type fakeVM struct {
	rt        wazero.Runtime
	heapPtr   uint32
	live      map[uint32]uint32
	freed     map[uint32]bool
	freeLists map[uint32][]uint32
	docs      map[uint32][]byte
	ctxs      map[uint32]*fakeEvalCtx
	eps       map[string]int32
	names     map[int32]string

	reuses       int
	oneShotEvals int
	ctxEvals     int
	misuse       []string
}

func newFakeVM(rt wazero.Runtime) *fakeVM {
	eps := map[string]int32{
		"example/allow":     0,
		"example/echo":      1,
		"example/undefined": 2,
		"example/data":      3,
		"example/boom":      4,
		"example/multi":     5,
		"example/noisy":     6,
	}
	names := make(map[int32]string, len(eps))
	for name, id := range eps {
		names[id] = name
	}
	return &fakeVM{
		rt:        rt,
		heapPtr:   fakeHeapBase,
		live:      make(map[uint32]uint32),
		freed:     make(map[uint32]bool),
		freeLists: make(map[uint32][]uint32),
		docs:      make(map[uint32][]byte),
		ctxs:      make(map[uint32]*fakeEvalCtx),
		eps:       eps,
		names:     names,
	}
}

func (vm *fakeVM) fail(msg string) {
	vm.misuse = append(vm.misuse, msg)
}

func (vm *fakeVM) growTo(mem api.Memory, need uint32) bool {
	cur := mem.Size()
	if need <= cur {
		return true
	}
	pages := (need - cur + wasmPageSize - 1) / wasmPageSize
	_, ok := mem.Grow(pages)
	return ok
}

func (vm *fakeVM) malloc(mem api.Memory, n uint32) uint32 {
	if addrs := vm.freeLists[n]; len(addrs) > 0 {
		a := addrs[len(addrs)-1]
		vm.freeLists[n] = addrs[:len(addrs)-1]
		delete(vm.freed, a)
		vm.live[a] = n
		vm.reuses++
		return a
	}
	a := vm.heapPtr
	sz := n
	if sz == 0 {
		sz = 1
	}
	vm.heapPtr += sz
	if !vm.growTo(mem, vm.heapPtr) {
		vm.heapPtr = a
		return 0
	}
	vm.live[a] = n
	return a
}

func (vm *fakeVM) freeAddr(a uint32) {
	switch {
	case a == 0:
		vm.fail("free of null address")
	case vm.freed[a]:
		vm.fail(fmt.Sprintf("double free at %d", a))
	default:
		n, ok := vm.live[a]
		if !ok {
			vm.fail(fmt.Sprintf("free of unallocated address %d", a))
			return
		}
		delete(vm.live, a)
		delete(vm.docs, a)
		delete(vm.ctxs, a)
		vm.freed[a] = true
		vm.freeLists[n] = append(vm.freeLists[n], a)
	}
}

// setHeap rewinds the bump pointer and drops all bookkeeping above it,
// the way a rewound guest heap forgets its allocations.
func (vm *fakeVM) setHeap(a uint32) {
	vm.heapPtr = a
	for addr := range vm.live {
		if addr >= a {
			delete(vm.live, addr)
			delete(vm.docs, addr)
			delete(vm.ctxs, addr)
		}
	}
	for addr := range vm.freed {
		if addr >= a {
			delete(vm.freed, addr)
		}
	}
	for sz, lst := range vm.freeLists {
		kept := lst[:0]
		for _, addr := range lst {
			if addr < a {
				kept = append(kept, addr)
			}
		}
		vm.freeLists[sz] = kept
	}
}

// writeDoc stores a document and returns its handle. Handles are real
// allocations so the v1 engine can free them like any other address.
func (vm *fakeVM) writeDoc(mem api.Memory, raw []byte) uint32 {
	a := vm.malloc(mem, uint32(len(raw)))
	if a == 0 {
		return 0
	}
	vm.docs[a] = bytes.Clone(raw)
	return a
}

func (vm *fakeVM) entrypointsJSON() []byte {
	raw, err := json.Marshal(vm.eps)
	if err != nil {
		panic(err)
	}
	return raw
}

// abortWith raises a fatal guest error through the real env.opa_abort
// export, so the message travels the same path a compiled policy uses.
func (vm *fakeVM) abortWith(ctx context.Context, mod api.Module, msg string) {
	env := vm.rt.Module(envModuleName)
	if env == nil {
		panic("env module not instantiated")
	}
	buf := append([]byte(msg), 0)
	a := vm.malloc(mod.Memory(), uint32(len(buf)))
	mod.Memory().Write(a, buf)
	_, err := env.ExportedFunction(impAbort).Call(ctx, uint64(a))
	if err == nil {
		err = fmt.Errorf("opa_abort returned")
	}
	panic(err)
}

func (vm *fakeVM) printWith(ctx context.Context, mod api.Module, msg string) {
	env := vm.rt.Module(envModuleName)
	if env == nil {
		panic("env module not instantiated")
	}
	buf := append([]byte(msg), 0)
	a := vm.malloc(mod.Memory(), uint32(len(buf)))
	mod.Memory().Write(a, buf)
	if _, err := env.ExportedFunction(impPrintln).Call(ctx, uint64(a)); err != nil {
		panic(err)
	}
}

func resultSet(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return []byte(`[{"result":` + string(raw) + `}]`)
}

// evaluate runs the scripted policy for one entrypoint and returns the
// serialized result set.
func (vm *fakeVM) evaluate(ctx context.Context, mod api.Module, ep int32, data, input []byte) []byte {
	switch vm.names[ep] {
	case "example/allow":
		var d struct {
			Users []string `json:"users"`
		}
		var in struct {
			UserID string `json:"user_id"`
		}
		json.Unmarshal(data, &d)
		json.Unmarshal(input, &in)
		return resultSet(slices.Contains(d.Users, in.UserID))

	case "example/echo":
		return []byte(`[{"result":` + string(input) + `}]`)

	case "example/undefined":
		return []byte(`[]`)

	case "example/data":
		if data == nil {
			data = []byte("null")
		}
		return []byte(`[{"result":` + string(data) + `}]`)

	case "example/boom":
		vm.abortWith(ctx, mod, "boom: division by zero")
		return nil

	case "example/multi":
		return []byte(`[{"result":"first"},{"result":"last"}]`)

	case "example/noisy":
		vm.printWith(ctx, mod, "thinking hard")
		return resultSet(true)

	default:
		vm.fail(fmt.Sprintf("eval of unknown entrypoint id %d", ep))
		return []byte(`[]`)
	}
}

// registerFakeImpl instantiates the guest implementation module into rt.
func registerFakeImpl(t *testing.T, rt wazero.Runtime, vm *fakeVM) {
	t.Helper()
	i32 := api.ValueTypeI32
	b := rt.NewHostModuleBuilder(fakeImplModule)

	reg := func(name string, params, results []api.ValueType, fn api.GoModuleFunc) {
		b.NewFunctionBuilder().WithGoModuleFunction(fn, params, results).Export(name)
	}

	reg(expEntrypoints, nil, []api.ValueType{i32},
		func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(vm.writeDoc(mod.Memory(), vm.entrypointsJSON()))
		})

	reg(expJSONParse, []api.ValueType{i32, i32}, []api.ValueType{i32},
		func(_ context.Context, mod api.Module, stack []uint64) {
			raw, ok := mod.Memory().Read(uint32(stack[0]), uint32(stack[1]))
			if !ok {
				vm.fail("json parse out of bounds")
				stack[0] = 0
				return
			}
			if !json.Valid(raw) {
				stack[0] = 0
				return
			}
			stack[0] = uint64(vm.writeDoc(mod.Memory(), raw))
		})

	reg(expJSONDump, []api.ValueType{i32}, []api.ValueType{i32},
		func(_ context.Context, mod api.Module, stack []uint64) {
			raw, ok := vm.docs[uint32(stack[0])]
			if !ok {
				vm.fail(fmt.Sprintf("dump of unknown document %d", uint32(stack[0])))
				stack[0] = 0
				return
			}
			out := vm.malloc(mod.Memory(), uint32(len(raw))+1)
			if out == 0 {
				stack[0] = 0
				return
			}
			mod.Memory().Write(out, append(bytes.Clone(raw), 0))
			stack[0] = uint64(out)
		})

	reg(expMalloc, []api.ValueType{i32}, []api.ValueType{i32},
		func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = uint64(vm.malloc(mod.Memory(), uint32(stack[0])))
		})

	reg(expFree, []api.ValueType{i32}, nil,
		func(_ context.Context, _ api.Module, stack []uint64) {
			vm.freeAddr(uint32(stack[0]))
		})

	reg(expEvalCtxNew, nil, []api.ValueType{i32},
		func(_ context.Context, mod api.Module, stack []uint64) {
			a := vm.malloc(mod.Memory(), 16)
			if a != 0 {
				vm.ctxs[a] = &fakeEvalCtx{ep: -1}
			}
			stack[0] = uint64(a)
		})

	reg(expEvalCtxSetInput, []api.ValueType{i32, i32}, nil,
		func(_ context.Context, _ api.Module, stack []uint64) {
			c := vm.ctxs[uint32(stack[0])]
			if c == nil {
				vm.fail("set_input on unknown context")
				return
			}
			c.input = uint32(stack[1])
		})

	reg(expEvalCtxSetData, []api.ValueType{i32, i32}, nil,
		func(_ context.Context, _ api.Module, stack []uint64) {
			c := vm.ctxs[uint32(stack[0])]
			if c == nil {
				vm.fail("set_data on unknown context")
				return
			}
			c.data = uint32(stack[1])
		})

	reg(expEvalCtxSetEntrypoint, []api.ValueType{i32, i32}, nil,
		func(_ context.Context, _ api.Module, stack []uint64) {
			c := vm.ctxs[uint32(stack[0])]
			if c == nil {
				vm.fail("set_entrypoint on unknown context")
				return
			}
			c.ep = int32(uint32(stack[1]))
		})

	reg(expEvalCtxGetResult, []api.ValueType{i32}, []api.ValueType{i32},
		func(_ context.Context, _ api.Module, stack []uint64) {
			c := vm.ctxs[uint32(stack[0])]
			if c == nil {
				vm.fail("get_result on unknown context")
				stack[0] = 0
				return
			}
			stack[0] = uint64(c.result)
		})

	reg(expEval, []api.ValueType{i32}, []api.ValueType{i32},
		func(ctx context.Context, mod api.Module, stack []uint64) {
			vm.ctxEvals++
			c := vm.ctxs[uint32(stack[0])]
			if c == nil {
				vm.fail("eval on unknown context")
				stack[0] = 1
				return
			}
			res := vm.evaluate(ctx, mod, c.ep, vm.docs[c.data], vm.docs[c.input])
			c.result = vm.writeDoc(mod.Memory(), res)
			stack[0] = 0
		})

	reg(expOneShotEval,
		[]api.ValueType{i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32},
		func(ctx context.Context, mod api.Module, stack []uint64) {
			vm.oneShotEvals++
			id := int32(uint32(stack[1]))
			data := vm.docs[uint32(stack[2])]
			input, ok := mod.Memory().Read(uint32(stack[3]), uint32(stack[4]))
			if !ok {
				vm.fail("one-shot input out of bounds")
				stack[0] = 0
				return
			}
			input = bytes.Clone(input)
			vm.setHeap(uint32(stack[5]))

			res := vm.evaluate(ctx, mod, id, data, input)
			out := vm.malloc(mod.Memory(), uint32(len(res))+1)
			if out == 0 {
				stack[0] = 0
				return
			}
			mod.Memory().Write(out, append(bytes.Clone(res), 0))
			stack[0] = uint64(out)
		})

	reg(expHeapPtrGet, nil, []api.ValueType{i32},
		func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = uint64(vm.heapPtr)
		})

	reg(expHeapPtrSet, []api.ValueType{i32}, nil,
		func(_ context.Context, _ api.Module, stack []uint64) {
			vm.setHeap(uint32(stack[0]))
		})

	if _, err := b.Instantiate(context.Background()); err != nil {
		t.Fatalf("instantiate %s: %v", fakeImplModule, err)
	}
}

// fakeGuestConfig controls the synthesized guest's shape.
type fakeGuestConfig struct {
	major   int32
	minor   int32
	globals bool
	omit    []string
}

// fakeGuestBytes assembles a policy guest whose exports are the fake
// implementation's functions.
func fakeGuestBytes(cfg fakeGuestConfig) []byte {
	i32 := api.ValueTypeI32
	type sig struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
	}
	sigs := []sig{
		{expEntrypoints, nil, []api.ValueType{i32}},
		{expJSONParse, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		{expJSONDump, []api.ValueType{i32}, []api.ValueType{i32}},
		{expMalloc, []api.ValueType{i32}, []api.ValueType{i32}},
		{expFree, []api.ValueType{i32}, nil},
		{expEvalCtxNew, nil, []api.ValueType{i32}},
		{expEvalCtxSetInput, []api.ValueType{i32, i32}, nil},
		{expEvalCtxSetData, []api.ValueType{i32, i32}, nil},
		{expEvalCtxSetEntrypoint, []api.ValueType{i32, i32}, nil},
		{expEvalCtxGetResult, []api.ValueType{i32}, []api.ValueType{i32}},
		{expEval, []api.ValueType{i32}, []api.ValueType{i32}},
		{expOneShotEval, []api.ValueType{i32, i32, i32, i32, i32, i32, i32}, []api.ValueType{i32}},
		{expHeapPtrGet, nil, []api.ValueType{i32}},
		{expHeapPtrSet, []api.ValueType{i32}, nil},
	}

	skip := make(map[string]bool, len(cfg.omit))
	for _, name := range cfg.omit {
		skip[name] = true
	}

	m := &synthModule{}
	m.importMemory(envModuleName, impMemory)
	for _, s := range sigs {
		if skip[s.name] {
			continue
		}
		m.importFunc(fakeImplModule, s.name, s.params, s.results)
	}
	if cfg.globals {
		m.defineGlobal(globalABIVersion, cfg.major)
		m.defineGlobal(globalABIMinorVersion, cfg.minor)
	}
	return m.build()
}

// newFakeRuntime prepares a runtime with the fake guest implementation
// registered.
func newFakeRuntime(t *testing.T) (wazero.Runtime, *fakeVM) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	vm := newFakeVM(rt)
	registerFakeImpl(t, rt, vm)
	return rt, vm
}

// newFakeEngine builds an engine around a fake guest declaring ABI
// 1.minor.
func newFakeEngine(t *testing.T, minor int32) (*Opa, *fakeVM) {
	t.Helper()
	rt, vm := newFakeRuntime(t)
	eng, err := NewBuilder().WithRuntime(rt).Build(context.Background(),
		fakeGuestBytes(fakeGuestConfig{major: 1, minor: minor, globals: true}))
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(func() { eng.Close(context.Background()) })
	return eng, vm
}

func seedUsers(t *testing.T, eng *Opa) {
	t.Helper()
	data := map[string]any{"users": []string{"alice", "bob"}}
	if err := eng.SetData(context.Background(), data); err != nil {
		t.Fatalf("set data: %v", err)
	}
}

func verifyNoMisuse(t *testing.T, vm *fakeVM) {
	t.Helper()
	if len(vm.misuse) > 0 {
		t.Fatalf("guest allocator misuse: %v", vm.misuse)
	}
}
