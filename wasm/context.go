package wasm

import (
	"context"
	"time"

	"github.com/tamasfe/opa-go/errors"
)

// EvalContext evaluates several entrypoints against one bound input
// without re-parsing it each time. Obtain one from Opa.EvalContext and
// release it with Close; while it is live the owning instance rejects
// Eval, SetData and further EvalContext calls.
type EvalContext struct {
	eng    *Opa
	state  ctxState
	closed bool
}

// Eval runs one entrypoint against the bound input and decodes the
// decision into out. A nil out discards the decision.
func (c *EvalContext) Eval(ctx context.Context, entrypoint string, out any) error {
	if c.closed {
		return errors.ContextClosed()
	}
	e := c.eng
	id, err := e.entrypointID(entrypoint)
	if err != nil {
		return err
	}

	start := time.Now()
	err = e.guard(entrypoint, func() error {
		return e.strat.ctxEval(ctx, &c.state, entrypoint, id, out)
	})
	e.observeEval(entrypoint, start, err)
	return err
}

// Close releases the context's guest memory and re-enables the owning
// instance. Closing twice is a no-op.
func (c *EvalContext) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	e := c.eng
	if e.activeCtx == c {
		e.activeCtx = nil
	}
	return e.guard("", func() error {
		return e.strat.ctxRelease(ctx, &c.state)
	})
}
