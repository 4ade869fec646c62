// Package build compiles Rego sources into wasm policy bundles by
// driving the opa executable.
//
//	bn, err := build.Policy("example").
//		AddSource("policies/").
//		AddEntrypoint("example.allow").
//		Compile(ctx)
//
// The opa executable must be present in PATH; Available reports whether
// it is. Compilation happens out of process, so this package is intended
// for build scripts and tests rather than hot paths.
package build
