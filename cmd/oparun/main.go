package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/tamasfe/opa-go/bundle"
	"github.com/tamasfe/opa-go/wasm"
)

func main() {
	var (
		modulePath  = flag.String("module", "", "Path to a compiled policy module (.wasm)")
		bundlePath  = flag.String("bundle", "", "Path to a policy bundle (.tar.gz)")
		dataPath    = flag.String("data", "", "Path to a JSON dataset file")
		inputArg    = flag.String("input", "", "Input JSON, or @file to read it from disk")
		entrypoint  = flag.String("entrypoint", "", "Entrypoint to evaluate")
		list        = flag.Bool("list", false, "List entrypoints and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		watch       = flag.Bool("watch", false, "Reload the bundle when it changes (with -i)")
		verbose     = flag.Bool("v", false, "Enable debug logging")
	)
	flag.Parse()

	if (*modulePath == "") == (*bundlePath == "") {
		fmt.Fprintln(os.Stderr, "Usage: oparun -module <policy.wasm> [-data data.json] [-entrypoint name] [-input json]")
		fmt.Fprintln(os.Stderr, "       oparun -bundle <bundle.tar.gz> [-entrypoint name] [-input json]")
		fmt.Fprintln(os.Stderr, "       oparun -module <policy.wasm> -list")
		fmt.Fprintln(os.Stderr, "       oparun -bundle <bundle.tar.gz> -i [-watch]  (interactive mode)")
		os.Exit(1)
	}
	if *watch && (!*interactive || *bundlePath == "") {
		fmt.Fprintln(os.Stderr, "-watch requires -i and -bundle")
		os.Exit(1)
	}

	// The TUI owns the terminal, so logging stays off in interactive mode.
	if *verbose && !*interactive {
		if logger, err := zap.NewDevelopment(); err == nil {
			wasm.SetLogger(logger)
			defer logger.Sync()
		}
	}

	if *interactive {
		if err := runInteractive(interactiveConfig{
			modulePath: *modulePath,
			bundlePath: *bundlePath,
			dataPath:   *dataPath,
			watch:      *watch,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*modulePath, *bundlePath, *dataPath, *inputArg, *entrypoint, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEngine builds an engine from either a raw module or a bundle and
// guarantees a dataset is installed: an explicit -data file wins, a
// bundle's data document is kept, and an empty document is the fallback.
func loadEngine(ctx context.Context, modulePath, bundlePath, dataPath string) (*wasm.Opa, error) {
	builder := wasm.NewBuilder()

	var (
		eng     *wasm.Opa
		err     error
		hasData bool
	)
	if bundlePath != "" {
		bn, berr := bundle.FromFile(bundlePath)
		if berr != nil {
			return nil, berr
		}
		hasData = bn.Data != nil
		eng, err = builder.BuildFromBundle(ctx, bn)
	} else {
		raw, rerr := os.ReadFile(modulePath)
		if rerr != nil {
			return nil, rerr
		}
		eng, err = builder.Build(ctx, raw)
	}
	if err != nil {
		return nil, err
	}

	if dataPath != "" {
		raw, rerr := os.ReadFile(dataPath)
		if rerr != nil {
			eng.Close(ctx)
			return nil, rerr
		}
		if serr := eng.SetData(ctx, json.RawMessage(raw)); serr != nil {
			eng.Close(ctx)
			return nil, serr
		}
	} else if !hasData {
		if serr := eng.SetData(ctx, map[string]any{}); serr != nil {
			eng.Close(ctx)
			return nil, serr
		}
	}
	return eng, nil
}

func run(modulePath, bundlePath, dataPath, inputArg, entrypoint string, listOnly bool) error {
	ctx := context.Background()

	eng, err := loadEngine(ctx, modulePath, bundlePath, dataPath)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	eps := slices.Sorted(eng.Entrypoints())

	abi := eng.ABI()
	fmt.Printf("Module ABI: %d.%d\n", abi.Major, abi.Minor)
	fmt.Printf("Entrypoints:\n")
	for _, ep := range eps {
		fmt.Printf("  %s\n", ep)
	}
	if listOnly {
		return nil
	}

	if entrypoint == "" {
		if len(eps) != 1 {
			fmt.Printf("\nSeveral entrypoints available, use -entrypoint to pick one.\n")
			return nil
		}
		entrypoint = eps[0]
	}

	input, err := parseInputArg(inputArg)
	if err != nil {
		return err
	}

	var result json.RawMessage
	if err := eng.Eval(ctx, entrypoint, input, &result); err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		return err
	}
	fmt.Printf("\n%s\n", pretty.String())
	return nil
}

func parseInputArg(arg string) (json.RawMessage, error) {
	switch {
	case arg == "":
		return json.RawMessage("{}"), nil
	case strings.HasPrefix(arg, "@"):
		raw, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	default:
		return json.RawMessage(arg), nil
	}
}
