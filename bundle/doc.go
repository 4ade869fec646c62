// Package bundle reads policy bundles produced by opa build.
//
// A bundle is a gzipped tar archive carrying an optional /.manifest
// document, an optional /data.json dataset, raw .rego sources and
// compiled .wasm modules. Compiled modules become policy artifacts only
// when a manifest wasm entry references them; everything else is kept
// verbatim for inspection.
//
//	bn, err := bundle.FromFile("bundle.tar.gz")
//	if err != nil {
//		return err
//	}
//	eng, err := wasm.NewBuilder().BuildFromBundle(ctx, bn)
//
// Watcher reloads a bundle whenever the file changes on disk, debouncing
// the rename-and-write sequences editors and build tools produce.
package bundle
