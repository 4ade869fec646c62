package wasm

// Export and import names fixed by the OPA wasm ABI. The guest resolves
// every import from the "env" namespace, including its linear memory.
const envModuleName = "env"

// Guest exports consumed by the engine.
const (
	expEntrypoints          = "entrypoints"
	expJSONParse            = "opa_json_parse"
	expJSONDump             = "opa_json_dump"
	expMalloc               = "opa_malloc"
	expFree                 = "opa_free"
	expEvalCtxNew           = "opa_eval_ctx_new"
	expEvalCtxSetInput      = "opa_eval_ctx_set_input"
	expEvalCtxSetData       = "opa_eval_ctx_set_data"
	expEvalCtxSetEntrypoint = "opa_eval_ctx_set_entrypoint"
	expEvalCtxGetResult     = "opa_eval_ctx_get_result"
	expEval                 = "eval"
	expOneShotEval          = "opa_eval"
	expHeapPtrGet           = "opa_heap_ptr_get"
	expHeapPtrSet           = "opa_heap_ptr_set"

	globalABIVersion      = "opa_wasm_abi_version"
	globalABIMinorVersion = "opa_wasm_abi_minor_version"
)

// Host imports provided to the guest under env.
const (
	impMemory   = "memory"
	impAbort    = "opa_abort"
	impPrintln  = "opa_println"
	impBuiltin0 = "opa_builtin0"
	impBuiltin1 = "opa_builtin1"
	impBuiltin2 = "opa_builtin2"
	impBuiltin3 = "opa_builtin3"
	impBuiltin4 = "opa_builtin4"
)

// requiredExports must all be present for a module to build. opa_eval is
// checked separately, only when the detected ABI enables the fast path.
var requiredExports = []string{
	expEntrypoints,
	expJSONParse,
	expJSONDump,
	expMalloc,
	expFree,
	expEvalCtxNew,
	expEvalCtxSetInput,
	expEvalCtxSetData,
	expEvalCtxSetEntrypoint,
	expEvalCtxGetResult,
	expEval,
	expHeapPtrGet,
	expHeapPtrSet,
}

// ABIVersion is the pair a module declares through the
// opa_wasm_abi_version and opa_wasm_abi_minor_version globals, read once
// at initialization. Absent globals read as zero.
type ABIVersion struct {
	Major int32
	Minor int32
}

// fastPath reports whether the module supports single-call evaluation
// with heap-pointer reclamation (ABI 1.2 and later).
func (v ABIVersion) fastPath() bool {
	return v.Minor >= 2
}
