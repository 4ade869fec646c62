package wasm

import (
	"bytes"
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/tamasfe/opa-go/errors"
)

// wasmPageSize is the wasm linear memory page granularity.
const wasmPageSize = 65536

// addr is an offset into the guest linear memory. Addresses never escape
// the package; ownership is tracked by the component holding one, and an
// address is valid only until the free or heap rewind covering its range.
type addr uint32

// guestMemory couples the byte-level view of the guest linear memory with
// the guest's allocator exports. All host reads and writes of guest data
// go through it.
type guestMemory struct {
	mem      api.Memory
	mallocFn api.Function
	freeFn   api.Function
	stack    [4]uint64
}

func newGuestMemory(mem api.Memory, malloc, free api.Function) *guestMemory {
	return &guestMemory{mem: mem, mallocFn: malloc, freeFn: free}
}

func (m *guestMemory) size() uint32 {
	return m.mem.Size()
}

// alloc obtains n bytes from the guest allocator. The guest grows its own
// memory when the heap is exhausted, so a zero address is a hard failure.
func (m *guestMemory) alloc(ctx context.Context, n uint32) (addr, error) {
	res, err := m.call(ctx, m.mallocFn, uint64(n))
	if err != nil {
		return 0, errors.Allocation(n, err)
	}
	a := addr(uint32(res))
	if a == 0 {
		return 0, errors.Allocation(n, nil)
	}
	return a, nil
}

// free returns an allocation to the guest. Only the v1 strategy calls it;
// v2+ reclaims by heap rewind instead.
func (m *guestMemory) free(ctx context.Context, a addr) error {
	_, err := m.call(ctx, m.freeFn, uint64(a))
	return err
}

// write copies b into guest memory at a. The caller guarantees the range
// is owned (freshly allocated or below a checkpoint it controls).
func (m *guestMemory) write(a addr, b []byte) error {
	if !m.mem.Write(uint32(a), b) {
		return errors.OutOfBounds("write", uint32(a), uint32(len(b)))
	}
	return nil
}

// ensure grows the memory in whole-page increments until a write of n
// bytes at a fits.
func (m *guestMemory) ensure(a addr, n uint32) error {
	need := uint64(a) + uint64(n)
	have := uint64(m.size())
	if need <= have {
		return nil
	}
	delta := uint32((need - have + wasmPageSize - 1) / wasmPageSize)
	if _, ok := m.mem.Grow(delta); !ok {
		return errors.OutOfBounds("grow", uint32(a), n)
	}
	return nil
}

// readNullTerminated copies the bytes at a up to (excluding) the first
// NUL. The copy is deliberate: wazero hands out views into the live
// memory, and the guest may scribble on the range during the next call.
func (m *guestMemory) readNullTerminated(a addr) ([]byte, error) {
	size := m.size()
	if uint32(a) >= size {
		return nil, errors.OutOfBounds("read", uint32(a), 1)
	}
	view, ok := m.mem.Read(uint32(a), size-uint32(a))
	if !ok {
		return nil, errors.OutOfBounds("read", uint32(a), size-uint32(a))
	}
	end := bytes.IndexByte(view, 0)
	if end < 0 {
		return nil, errors.OutOfBounds("read", uint32(a), size-uint32(a))
	}
	return bytes.Clone(view[:end]), nil
}

// readString is readNullTerminated with a UTF-8 validity check.
func (m *guestMemory) readString(a addr) (string, error) {
	b, err := m.readNullTerminated(a)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(b)
	}
	return string(b), nil
}

// call invokes a guest export reusing the accessor's stack buffer.
func (m *guestMemory) call(ctx context.Context, fn api.Function, args ...uint64) (uint64, error) {
	n := len(args)
	if n < 1 {
		n = 1
	}
	copy(m.stack[:], args)
	if err := fn.CallWithStack(ctx, m.stack[:n]); err != nil {
		return 0, err
	}
	return m.stack[0], nil
}

// hostCString reads a guest string for a host callback, where only the
// caller's api.Memory is at hand. Failures degrade to an empty string:
// the callbacks are diagnostics and must not trap on a bad address.
func hostCString(mem api.Memory, a uint32) string {
	if mem == nil {
		return ""
	}
	size := mem.Size()
	if a >= size {
		return ""
	}
	view, ok := mem.Read(a, size-a)
	if !ok {
		return ""
	}
	end := bytes.IndexByte(view, 0)
	if end < 0 {
		return ""
	}
	return string(view[:end])
}
