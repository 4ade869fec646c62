package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseBuild    Phase = "build"    // module compilation and instantiation
	PhaseEval     Phase = "eval"     // policy evaluation
	PhaseMarshal  Phase = "marshal"  // host value to guest document and back
	PhaseTeardown Phase = "teardown" // context and engine release
	PhaseBundle   Phase = "bundle"   // bundle archive handling
	PhaseHTTP     Phase = "http"     // remote OPA API
	PhaseCompile  Phase = "compile"  // opa toolchain invocation
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidModule     Kind = "invalid_module"
	KindMissingExport     Kind = "missing_export"
	KindInstantiation     Kind = "instantiation"
	KindUnsupportedABI    Kind = "unsupported_abi"
	KindNoModule          Kind = "no_module"
	KindNoData            Kind = "no_data"
	KindUnknownEntrypoint Kind = "unknown_entrypoint"
	KindContextActive     Kind = "context_active"
	KindContextClosed     Kind = "context_closed"
	KindEngineClosed      Kind = "engine_closed"
	KindEncode            Kind = "encode"
	KindDecode            Kind = "decode"
	KindGuestParse        Kind = "guest_parse"
	KindGuestDump         Kind = "guest_dump"
	KindNoResults         Kind = "no_results"
	KindTrap              Kind = "trap"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindAllocation        Kind = "allocation"
	KindInvalidUTF8       Kind = "invalid_utf8"
	KindLeak              Kind = "leak"
	KindInvalidManifest   Kind = "invalid_manifest"
	KindInvalidData       Kind = "invalid_data"
	KindIO                Kind = "io"
	KindRequest           Kind = "request"
	KindStatus            Kind = "status"
	KindToolchain         Kind = "toolchain"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Entrypoint string
	Detail     string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Entrypoint != "" {
		b.WriteString(" at ")
		b.WriteString(e.Entrypoint)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Entrypoint sets the entrypoint the error relates to
func (b *Builder) Entrypoint(name string) *Builder {
	b.err.Entrypoint = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// InvalidModule creates a module validation error
func InvalidModule(cause error) *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindInvalidModule,
		Detail: "compile module",
		Cause:  cause,
	}
}

// MissingExport creates a missing guest export error
func MissingExport(name string) *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindMissingExport,
		Detail: fmt.Sprintf("module does not export %q", name),
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// UnsupportedABI creates an error for an ABI version the runtime cannot drive
func UnsupportedABI(major, minor int32) *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindUnsupportedABI,
		Detail: fmt.Sprintf("unsupported ABI version %d.%d", major, minor),
		Value:  major,
	}
}

// NoModule creates an error for a bundle that carries no loadable module
func NoModule() *Error {
	return &Error{
		Phase:  PhaseBuild,
		Kind:   KindNoModule,
		Detail: "bundle contains no wasm policy module",
	}
}

// NoData creates an error for evaluation attempted before any data was set
func NoData() *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindNoData,
		Detail: "no data provided, set data before evaluating",
	}
}

// UnknownEntrypoint creates an error for an entrypoint absent from the table
func UnknownEntrypoint(name string) *Error {
	return &Error{
		Phase:      PhaseEval,
		Kind:       KindUnknownEntrypoint,
		Entrypoint: name,
		Detail:     fmt.Sprintf("unknown entrypoint %q", name),
	}
}

// ContextActive creates an error for engine use while a context is live
func ContextActive() *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindContextActive,
		Detail: "an evaluation context is active, close it first",
	}
}

// ContextClosed creates an error for use of a released context
func ContextClosed() *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindContextClosed,
		Detail: "evaluation context already closed",
	}
}

// EngineClosed creates an error for use of a closed engine
func EngineClosed() *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindEngineClosed,
		Detail: "engine already closed",
	}
}

// Encode creates a host-side serialization error; role names the value
// that failed (input, data, result)
func Encode(role string, cause error) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindEncode,
		Detail: fmt.Sprintf("serialize %s", role),
		Cause:  cause,
	}
}

// Decode creates a host-side deserialization error
func Decode(role string, cause error) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindDecode,
		Detail: fmt.Sprintf("decode %s", role),
		Cause:  cause,
	}
}

// GuestParse creates an error for the guest rejecting a JSON payload
func GuestParse(role string) *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindGuestParse,
		Detail: fmt.Sprintf("guest failed to parse %s", role),
	}
}

// GuestDump creates an error for the guest failing to serialize a document
func GuestDump() *Error {
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindGuestDump,
		Detail: "guest failed to dump document",
	}
}

// NoResults creates an error for an evaluation that produced no result set
func NoResults(entrypoint string) *Error {
	return &Error{
		Phase:      PhaseMarshal,
		Kind:       KindNoResults,
		Entrypoint: entrypoint,
		Detail:     "evaluation returned no results",
	}
}

// Trap creates an error for a guest abort or backend execution fault
func Trap(entrypoint, msg string, cause error) *Error {
	return &Error{
		Phase:      PhaseEval,
		Kind:       KindTrap,
		Entrypoint: entrypoint,
		Detail:     msg,
		Cause:      cause,
	}
}

// OutOfBounds creates a guest memory access error
func OutOfBounds(op string, addr, n uint32) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("%s of %d bytes at 0x%x exceeds memory", op, n, addr),
		Value:  addr,
	}
}

// Allocation creates a guest allocation failure error
func Allocation(size uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseEval,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("allocate %d bytes", size),
		Cause:  cause,
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  PhaseMarshal,
		Kind:   KindInvalidUTF8,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// Leak creates an error for a failed release during teardown
func Leak(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseTeardown,
		Kind:   KindLeak,
		Detail: fmt.Sprintf("release %s", what),
		Cause:  cause,
	}
}

// InvalidManifest creates a bundle manifest decoding error
func InvalidManifest(cause error) *Error {
	return &Error{
		Phase:  PhaseBundle,
		Kind:   KindInvalidManifest,
		Detail: "decode manifest",
		Cause:  cause,
	}
}

// InvalidData creates a bundle data document decoding error
func InvalidData(cause error) *Error {
	return &Error{
		Phase:  PhaseBundle,
		Kind:   KindInvalidData,
		Detail: "decode data document",
		Cause:  cause,
	}
}

// IO creates an archive or filesystem error
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Request creates a remote API transport error
func Request(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseHTTP,
		Kind:   KindRequest,
		Detail: detail,
		Cause:  cause,
	}
}

// Status creates a remote API unexpected-status error
func Status(code int, body string) *Error {
	detail := fmt.Sprintf("unexpected status %d", code)
	if body != "" {
		detail += ": " + body
	}
	return &Error{
		Phase:  PhaseHTTP,
		Kind:   KindStatus,
		Detail: detail,
		Value:  code,
	}
}

// Toolchain creates an opa CLI invocation error
func Toolchain(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindToolchain,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
