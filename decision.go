package opa

// Decision is a strongly-typed binding of a policy entrypoint to its input
// and output types. Declaring bindings as package-level values keeps the
// entrypoint path and the decision types in one place:
//
//	type AllowInput struct {
//	    UserID string `json:"user_id"`
//	}
//
//	var Allow = opa.Decision[AllowInput, bool]{Path: "example.allow"}
//
// Bindings are consumed by wasm.Decide and opahttp.Decide, which resolve
// the path and decode the decision as O.
type Decision[I, O any] struct {
	// Path is the `.` or `/` separated path to the policy decision.
	Path string
}
