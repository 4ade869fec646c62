package wasm

import (
	"bytes"
	"testing"

	"github.com/tamasfe/opa-go/errors"
)

// scratchBase is below the fake guest's heap, so direct writes in these
// tests never collide with its allocations.
const scratchBase = 1024

func TestReadNullTerminated(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	m := eng.mem

	if err := m.write(scratchBase, []byte("hello\x00trailing")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := m.readNullTerminated(scratchBase)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("read %q, want %q", got, "hello")
	}
}

func TestReadNullTerminatedOutOfBounds(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	m := eng.mem
	size := m.size()

	_, err := m.readNullTerminated(addr(size))
	wantKind(t, err, errors.KindOutOfBounds)

	// A run of nonzero bytes reaching the end of memory has no
	// terminator to find.
	tail := addr(size - 16)
	if err := m.write(tail, bytes.Repeat([]byte{0xff}, 16)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = m.readNullTerminated(tail)
	wantKind(t, err, errors.KindOutOfBounds)
}

func TestReadStringRejectsInvalidUTF8(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	m := eng.mem

	if err := m.write(scratchBase, []byte{0xff, 0xfe, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := m.readString(scratchBase)
	wantKind(t, err, errors.KindInvalidUTF8)

	if err := m.write(scratchBase, []byte("héllo\x00")); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := m.readString(scratchBase)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if s != "héllo" {
		t.Errorf("read %q", s)
	}
}

func TestWriteOutOfBounds(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	m := eng.mem

	err := m.write(addr(m.size()), []byte{1})
	wantKind(t, err, errors.KindOutOfBounds)
}

func TestEnsureGrowsMemory(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	m := eng.mem
	before := m.size()

	if err := m.ensure(addr(before), 100); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	after := m.size()
	if after < before+100 {
		t.Errorf("memory size %d, want at least %d", after, before+100)
	}
	if after%wasmPageSize != 0 {
		t.Errorf("memory size %d is not page aligned", after)
	}

	// Within bounds, ensure must not grow.
	if err := m.ensure(scratchBase, 8); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if m.size() != after {
		t.Errorf("ensure grew memory from %d to %d without need", after, m.size())
	}
}

func TestHostCStringDegradesToEmpty(t *testing.T) {
	eng, _ := newFakeEngine(t, 1)
	mem := eng.envMod.ExportedMemory(impMemory)

	if err := eng.mem.write(scratchBase, []byte("abort message\x00")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := hostCString(mem, scratchBase); got != "abort message" {
		t.Errorf("hostCString = %q", got)
	}

	if got := hostCString(mem, mem.Size()+10); got != "" {
		t.Errorf("out of range read returned %q", got)
	}
	if got := hostCString(nil, 0); got != "" {
		t.Errorf("nil memory returned %q", got)
	}
}
