package wasm

import (
	"github.com/tetratelabs/wazero/api"
)

// memoryInitialPages is the size of the linear memory handed to a fresh
// guest, in 64KiB wasm pages.
const memoryInitialPages = 2

// synthModule assembles a minimal wasm binary out of function imports, a
// memory, constant globals, and exports. It exists because the guest
// resolves everything, memory included, from the single "env" namespace,
// while a wazero host module cannot export a memory: the env facade is a
// real (synthesized) module that defines the memory and re-exports the
// host callbacks under their ABI names. Tests reuse the builder to
// synthesize policy guests whose exports are backed by Go functions.
type synthModule struct {
	memory  *synthMemory
	funcs   []synthFunc
	globals []synthGlobal
}

type synthFunc struct {
	module  string
	name    string
	params  []api.ValueType
	results []api.ValueType
}

type synthGlobal struct {
	export string
	value  int32
}

type synthMemory struct {
	importMod  string // import source; defined locally when empty
	importName string
	exported   bool
	min        uint32
	max        uint32
	hasMax     bool
}

// importFunc imports module.name and re-exports it under the same name.
// Exporting an import needs no function body, so the built binary carries
// no code section at all.
func (m *synthModule) importFunc(module, name string, params, results []api.ValueType) {
	m.funcs = append(m.funcs, synthFunc{
		module:  module,
		name:    name,
		params:  params,
		results: results,
	})
}

// defineMemory declares a local memory exported as "memory". A max of 0
// leaves growth unbounded.
func (m *synthModule) defineMemory(minPages, maxPages uint32) {
	m.memory = &synthMemory{
		exported: true,
		min:      minPages,
		max:      maxPages,
		hasMax:   maxPages > 0,
	}
}

// importMemory pulls the memory in from another module instead of
// defining one.
func (m *synthModule) importMemory(module, name string) {
	m.memory = &synthMemory{
		importMod:  module,
		importName: name,
		min:        0,
	}
}

// defineGlobal declares an exported immutable i32 global.
func (m *synthModule) defineGlobal(export string, value int32) {
	m.globals = append(m.globals, synthGlobal{export: export, value: value})
}

// build generates the module bytes.
func (m *synthModule) build() []byte {
	var out []byte

	// Magic and version
	out = append(out, 0x00, 0x61, 0x73, 0x6d)
	out = append(out, 0x01, 0x00, 0x00, 0x00)

	if len(m.funcs) > 0 {
		out = appendSection(out, 0x01, m.buildTypeSection())
	}
	if len(m.funcs) > 0 || m.memoryImported() {
		out = appendSection(out, 0x02, m.buildImportSection())
	}
	if m.memory != nil && !m.memoryImported() {
		out = appendSection(out, 0x05, m.buildMemorySection())
	}
	if len(m.globals) > 0 {
		out = appendSection(out, 0x06, m.buildGlobalSection())
	}
	out = appendSection(out, 0x07, m.buildExportSection())

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, uleb128(uint32(len(content)))...)
	return append(out, content...)
}

func (m *synthModule) memoryImported() bool {
	return m.memory != nil && m.memory.importMod != ""
}

// One type entry per imported function; function i uses type i.
func (m *synthModule) buildTypeSection() []byte {
	var section []byte
	section = append(section, uleb128(uint32(len(m.funcs)))...)

	for _, f := range m.funcs {
		section = append(section, 0x60)
		section = append(section, uleb128(uint32(len(f.params)))...)
		for _, t := range f.params {
			section = append(section, wasmValType(t))
		}
		section = append(section, uleb128(uint32(len(f.results)))...)
		for _, t := range f.results {
			section = append(section, wasmValType(t))
		}
	}

	return section
}

func (m *synthModule) buildImportSection() []byte {
	var section []byte

	count := len(m.funcs)
	if m.memoryImported() {
		count++
	}
	section = append(section, uleb128(uint32(count))...)

	for i, f := range m.funcs {
		section = append(section, encodeName(f.module)...)
		section = append(section, encodeName(f.name)...)
		section = append(section, 0x00)
		section = append(section, uleb128(uint32(i))...)
	}

	if m.memoryImported() {
		section = append(section, encodeName(m.memory.importMod)...)
		section = append(section, encodeName(m.memory.importName)...)
		section = append(section, 0x02)
		section = append(section, encodeLimits(m.memory.min, m.memory.max, m.memory.hasMax)...)
	}

	return section
}

func (m *synthModule) buildMemorySection() []byte {
	var section []byte
	section = append(section, 0x01)
	section = append(section, encodeLimits(m.memory.min, m.memory.max, m.memory.hasMax)...)
	return section
}

func (m *synthModule) buildGlobalSection() []byte {
	var section []byte
	section = append(section, uleb128(uint32(len(m.globals)))...)

	for _, g := range m.globals {
		section = append(section, 0x7f, 0x00) // immutable i32
		section = append(section, 0x41)
		section = append(section, sleb128(g.value)...)
		section = append(section, 0x0b)
	}

	return section
}

func (m *synthModule) buildExportSection() []byte {
	var section []byte

	count := len(m.funcs) + len(m.globals)
	if m.memory != nil && m.memory.exported {
		count++
	}
	section = append(section, uleb128(uint32(count))...)

	if m.memory != nil && m.memory.exported {
		section = append(section, encodeName(impMemory)...)
		section = append(section, 0x02, 0x00)
	}

	// Re-exported imports share the import's function index.
	for i, f := range m.funcs {
		section = append(section, encodeName(f.name)...)
		section = append(section, 0x00)
		section = append(section, uleb128(uint32(i))...)
	}

	for i, g := range m.globals {
		section = append(section, encodeName(g.export)...)
		section = append(section, 0x03)
		section = append(section, uleb128(uint32(i))...)
	}

	return section
}

func encodeName(s string) []byte {
	out := uleb128(uint32(len(s)))
	return append(out, []byte(s)...)
}

func encodeLimits(min, max uint32, hasMax bool) []byte {
	if !hasMax {
		out := []byte{0x00}
		return append(out, uleb128(min)...)
	}
	out := []byte{0x01}
	out = append(out, uleb128(min)...)
	return append(out, uleb128(max)...)
}

// envModuleBytes assembles the env facade: the memory the guest runs in
// plus the host callbacks re-exported from the host module.
func envModuleBytes(maxPages uint32) []byte {
	i32 := api.ValueTypeI32
	none := []api.ValueType(nil)

	m := &synthModule{}
	m.defineMemory(memoryInitialPages, maxPages)
	m.importFunc(hostModuleName, impAbort, []api.ValueType{i32}, none)
	m.importFunc(hostModuleName, impPrintln, []api.ValueType{i32}, none)
	m.importFunc(hostModuleName, impBuiltin0, []api.ValueType{i32, i32}, []api.ValueType{i32})
	m.importFunc(hostModuleName, impBuiltin1, []api.ValueType{i32, i32, i32}, []api.ValueType{i32})
	m.importFunc(hostModuleName, impBuiltin2, []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32})
	m.importFunc(hostModuleName, impBuiltin3, []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32})
	m.importFunc(hostModuleName, impBuiltin4, []api.ValueType{i32, i32, i32, i32, i32, i32}, []api.ValueType{i32})
	return m.build()
}
