package bundle

// Manifest is the /.manifest document opa build writes into a bundle.
// Every field is optional.
type Manifest struct {
	Revision string      `json:"revision"`
	Roots    []string    `json:"roots"`
	Wasm     []WasmEntry `json:"wasm"`
}

// WasmEntry maps an entrypoint to the in-archive module file that
// implements it.
type WasmEntry struct {
	Entrypoint string `json:"entrypoint"`
	Module     string `json:"module"`
}
