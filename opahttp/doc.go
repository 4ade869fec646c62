// Package opahttp is a client for the REST API of a hosted OPA server.
//
// It covers the data API (documents and decisions), the policy API and
// the health endpoint, using the same input and decision shapes as
// in-process evaluation. Requests are retried with exponential backoff
// on transport failures and 429s.
//
//	client, err := opahttp.New("http://localhost:8181")
//	if err != nil {
//		return err
//	}
//	var allowed bool
//	dec, err := client.GetDecision(ctx, "example.allow", input)
//	if err == nil {
//		err = json.Unmarshal(dec.Result, &allowed)
//	}
//
// Typed decision points established with opa.Decision work here too,
// via Decide.
package opahttp
