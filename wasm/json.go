package wasm

import (
	"context"
	"encoding/json"

	"github.com/tamasfe/opa-go/errors"
)

// resultEntry is the wire shape of one element of the result set an
// entrypoint produces.
type resultEntry struct {
	Result json.RawMessage `json:"result"`
}

// writeJSON serializes v, copies the text into guest memory and has the
// guest parse it into a document, returning the document address. role
// names the value in error reports ("data", "input"). When freeBuf is
// set the intermediate text buffer is released after parsing; the fast
// path instead reclaims it with the heap checkpoint.
func (e *Opa) writeJSON(ctx context.Context, role string, v any, freeBuf bool) (addr, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Encode(role, err)
	}

	n := uint32(len(raw))
	buf, err := e.mem.alloc(ctx, n)
	if err != nil {
		return 0, err
	}
	if err := e.mem.write(buf, raw); err != nil {
		return 0, err
	}

	parsed, err := e.callFn(ctx, e.fns.jsonParse, uint64(buf), uint64(n))
	if err != nil {
		return 0, err
	}
	if freeBuf {
		if err := e.mem.free(ctx, buf); err != nil {
			return 0, err
		}
	}
	doc := addr(uint32(parsed))
	if doc == 0 {
		return 0, errors.GuestParse(role)
	}
	return doc, nil
}

// dumpJSON has the guest serialize the document at a and returns the
// text. When freeDump is set the serialization buffer is released after
// reading.
func (e *Opa) dumpJSON(ctx context.Context, a addr, freeDump bool) ([]byte, error) {
	dumped, err := e.callFn(ctx, e.fns.jsonDump, uint64(a))
	if err != nil {
		return nil, err
	}
	dump := addr(uint32(dumped))
	if dump == 0 {
		return nil, errors.GuestDump()
	}

	raw, err := e.mem.readNullTerminated(dump)
	if err != nil {
		return nil, err
	}
	if freeDump {
		if err := e.mem.free(ctx, dump); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// readJSON dumps the document at a and decodes it into out.
func (e *Opa) readJSON(ctx context.Context, a addr, out any, freeDump bool) error {
	raw, err := e.dumpJSON(ctx, a, freeDump)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Decode("document", err)
	}
	return nil
}

// decodeResultSet decodes an entrypoint's result set: a JSON array of
// {"result": ...} records. An empty set means the entrypoint evaluated
// to nothing. When several records are present the last one wins. A nil
// out discards the decision without decoding it.
func decodeResultSet(raw []byte, entrypoint string, out any) error {
	var set []resultEntry
	if err := json.Unmarshal(raw, &set); err != nil {
		return errors.New(errors.PhaseMarshal, errors.KindDecode).
			Entrypoint(entrypoint).
			Cause(err).
			Detail("decode result set").
			Build()
	}
	if len(set) == 0 {
		return errors.NoResults(entrypoint)
	}
	if out == nil {
		return nil
	}
	last := set[len(set)-1].Result
	if err := json.Unmarshal(last, out); err != nil {
		return errors.New(errors.PhaseMarshal, errors.KindDecode).
			Entrypoint(entrypoint).
			Cause(err).
			Detail("decode result").
			Build()
	}
	return nil
}
