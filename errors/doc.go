// Package errors provides structured error types for the opa-go library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type includes rich context: the entrypoint involved,
// the role of the value that failed, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindDecode).
//		Entrypoint("example/allow").
//		Detail("decode result document").
//		Cause(jsonErr).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownEntrypoint("does/not/exist")
//	err := errors.NoData()
//
// All errors implement the standard error interface and support errors.Is/As.
// Is matches on Phase and Kind, so sentinel comparisons work against bare
// phase/kind pairs:
//
//	errors.Is(err, &errors.Error{Phase: errors.PhaseEval, Kind: errors.KindNoData})
package errors
