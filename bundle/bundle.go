package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	"github.com/tamasfe/opa-go/errors"
)

// WasmPolicy pairs a compiled policy module with the entrypoint the
// manifest assigned to it.
type WasmPolicy struct {
	Entrypoint string
	Bytes      []byte
}

// Bundle is the parsed content of an archive produced by opa build.
type Bundle struct {
	// Manifest is the /.manifest document, nil when the archive carries
	// none.
	Manifest *Manifest

	// Data is the raw /data.json document, nil when the archive carries
	// none.
	Data json.RawMessage

	// RegoPolicies holds raw policy sources keyed by in-archive path.
	RegoPolicies map[string]string

	// WasmPolicies lists compiled modules in manifest order. A module
	// appears here only when a manifest wasm entry references it.
	WasmPolicies []WasmPolicy

	// Precompiled carries a native artifact compiled ahead of time for a
	// specific runtime. It is never read from the archive; build tooling
	// attaches it out of band.
	Precompiled []byte
}

// WasmModule returns the first compiled module in the bundle, or nil
// when the bundle carries none.
func (b *Bundle) WasmModule() []byte {
	if len(b.WasmPolicies) == 0 {
		return nil
	}
	return b.WasmPolicies[0].Bytes
}

// FromFile reads a gzipped tar bundle from disk.
func FromFile(name string) (*Bundle, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, "open bundle", err)
	}
	defer f.Close()
	return FromReader(f)
}

// FromBytes parses a gzipped tar bundle held in memory.
func FromBytes(b []byte) (*Bundle, error) {
	return FromReader(bytes.NewReader(b))
}

// FromReader parses a gzipped tar bundle from r.
func FromReader(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.IO(errors.PhaseBundle, "read gzip stream", err)
	}
	defer gz.Close()

	bn := &Bundle{RegoPolicies: make(map[string]string)}
	wasmFiles := make(map[string][]byte)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.IO(errors.PhaseBundle, "read archive entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// opa build writes entry names with a leading slash.
		name := normalizeEntry(hdr.Name)
		switch {
		case name == ".manifest":
			var m Manifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return nil, errors.InvalidManifest(err)
			}
			bn.Manifest = &m

		case name == "data.json":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.IO(errors.PhaseBundle, "read data document", err)
			}
			if err := json.Unmarshal(raw, new(any)); err != nil {
				return nil, errors.InvalidData(err)
			}
			bn.Data = json.RawMessage(raw)

		case hasExt(name, ".rego"):
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.IO(errors.PhaseBundle, "read policy source", err)
			}
			bn.RegoPolicies[hdr.Name] = string(raw)

		case hasExt(name, ".wasm"):
			raw, err := io.ReadAll(tr)
			if err != nil {
				return nil, errors.IO(errors.PhaseBundle, "read wasm module", err)
			}
			wasmFiles[name] = raw
		}
	}

	if bn.Manifest != nil {
		for _, w := range bn.Manifest.Wasm {
			if raw, ok := wasmFiles[normalizeEntry(w.Module)]; ok {
				bn.WasmPolicies = append(bn.WasmPolicies, WasmPolicy{
					Entrypoint: w.Entrypoint,
					Bytes:      raw,
				})
			}
		}
	}
	return bn, nil
}

// normalizeEntry strips the leading slash so manifest module references
// match archive entries regardless of which form either side uses.
func normalizeEntry(name string) string {
	return strings.TrimPrefix(path.Clean(name), "/")
}

func hasExt(name, ext string) bool {
	return strings.EqualFold(path.Ext(name), ext)
}
