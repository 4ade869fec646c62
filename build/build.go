package build

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tamasfe/opa-go/bundle"
	"github.com/tamasfe/opa-go/errors"
)

// Available reports whether the opa executable can be found in PATH.
func Available() bool {
	_, err := exec.LookPath("opa")
	return err == nil
}

// PolicyBuilder accumulates compiler inputs for one bundle.
type PolicyBuilder struct {
	name        string
	sources     []string
	entrypoints []string
	optLevel    int
	outDir      string
	log         *zap.Logger
}

// Policy starts a build for a bundle called name.
func Policy(name string) *PolicyBuilder {
	return &PolicyBuilder{name: name, log: zap.NewNop()}
}

// AddSource adds a .rego file, or a directory walked for .rego files.
func (b *PolicyBuilder) AddSource(path string) *PolicyBuilder {
	b.sources = append(b.sources, path)
	return b
}

// AddSources adds several sources at once.
func (b *PolicyBuilder) AddSources(paths ...string) *PolicyBuilder {
	b.sources = append(b.sources, paths...)
	return b
}

// AddEntrypoint marks a rule as an entrypoint. Dotted package references
// are accepted and translated for the compiler.
func (b *PolicyBuilder) AddEntrypoint(ep string) *PolicyBuilder {
	b.entrypoints = append(b.entrypoints, ep)
	return b
}

// AddEntrypoints marks several entrypoints at once.
func (b *PolicyBuilder) AddEntrypoints(eps ...string) *PolicyBuilder {
	b.entrypoints = append(b.entrypoints, eps...)
	return b
}

// OptLevel sets the compiler optimization level. Zero, the default,
// leaves optimization off.
func (b *PolicyBuilder) OptLevel(level int) *PolicyBuilder {
	b.optLevel = level
	return b
}

// OutputDir keeps the produced archive under dir instead of a temporary
// directory.
func (b *PolicyBuilder) OutputDir(dir string) *PolicyBuilder {
	b.outDir = dir
	return b
}

// WithLogger enables build logging.
func (b *PolicyBuilder) WithLogger(l *zap.Logger) *PolicyBuilder {
	b.log = l
	return b
}

// Compile runs the opa compiler and parses the bundle it produces.
func (b *PolicyBuilder) Compile(ctx context.Context) (*bundle.Bundle, error) {
	if len(b.sources) == 0 {
		return nil, errors.Toolchain("no sources provided", nil)
	}
	if len(b.entrypoints) == 0 {
		return nil, errors.Toolchain("no entrypoints provided", nil)
	}

	opaPath, err := exec.LookPath("opa")
	if err != nil {
		return nil, errors.Toolchain("opa executable not found in PATH", err)
	}

	inputs, err := b.collectSources()
	if err != nil {
		return nil, err
	}

	outDir := b.outDir
	if outDir == "" {
		tmp, err := os.MkdirTemp("", "opa-build-")
		if err != nil {
			return nil, errors.IO(errors.PhaseCompile, "create output directory", err)
		}
		defer os.RemoveAll(tmp)
		outDir = tmp
	} else if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.IO(errors.PhaseCompile, "create output directory", err)
	}
	outPath := filepath.Join(outDir, b.name+".tar.gz")

	args := []string{"build", "-t", "wasm", "-o", outPath}
	if b.optLevel > 0 {
		args = append(args, "-O", strconv.Itoa(b.optLevel))
	}
	for _, ep := range b.entrypoints {
		args = append(args, "-e", strings.ReplaceAll(ep, ".", "/"))
	}
	args = append(args, inputs...)

	b.log.Debug("compiling policy",
		zap.String("name", b.name),
		zap.Strings("args", args))

	out, err := exec.CommandContext(ctx, opaPath, args...).CombinedOutput()
	if err != nil {
		return nil, errors.Toolchain(strings.TrimSpace(string(out)), err)
	}

	bn, err := bundle.FromFile(outPath)
	if err != nil {
		return nil, err
	}
	b.log.Info("policy compiled",
		zap.String("name", b.name),
		zap.Int("wasm_policies", len(bn.WasmPolicies)))
	return bn, nil
}

// collectSources expands directories into the .rego files they contain
// and validates explicit file arguments.
func (b *PolicyBuilder) collectSources() ([]string, error) {
	var inputs []string
	for _, src := range b.sources {
		info, err := os.Stat(src)
		if err != nil {
			return nil, errors.IO(errors.PhaseCompile, "read source "+src, err)
		}
		if !info.IsDir() {
			if !strings.EqualFold(filepath.Ext(src), ".rego") {
				return nil, errors.Toolchain("policy files must have the .rego extension: "+src, nil)
			}
			inputs = append(inputs, src)
			continue
		}
		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".rego") {
				inputs = append(inputs, path)
			}
			return nil
		})
		if err != nil {
			return nil, errors.IO(errors.PhaseCompile, "walk source directory "+src, err)
		}
	}
	if len(inputs) == 0 {
		return nil, errors.Toolchain("no .rego files found in the provided sources", nil)
	}
	return inputs, nil
}
