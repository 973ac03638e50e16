// Package plugin declares the hook-chain interface external plugins
// implement to observe or short-circuit a request before and after it
// reaches a worker. Plugins themselves are an out-of-scope collaborator;
// this package only fixes the boundary shape so the dispatcher's public
// surface is stable once real plugins are wired in.
package plugin

import (
	"context"
	"net/http"
)

// Result is the tagged Continue|Short variant described for hook chains:
// a hook either lets the request continue (possibly rewritten), or
// short-circuits with a response of its own.
type Result struct {
	short    bool
	Request  *http.Request
	Response *Response
}

// Response is a hook-produced response that short-circuits the chain.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Continue wraps a (possibly modified) request as a non-terminal result.
func Continue(req *http.Request) Result {
	return Result{Request: req}
}

// Short wraps a response as a chain-terminating result.
func Short(resp *Response) Result {
	return Result{short: true, Response: resp}
}

// Terminated reports whether this result ends the chain.
func (r Result) Terminated() bool { return r.short }

// Hook observes or intercepts a request on its way to, or a response on
// its way back from, a worker.
type Hook interface {
	OnRequest(ctx context.Context, req *http.Request) (Result, error)
	OnResponse(ctx context.Context, req *http.Request, resp *Response) (Result, error)
}

// Config is the uninterpreted configuration blob handed to a Factory;
// its shape is owned by whichever plugin consumes it.
type Config map[string]any

// Factory adapts the three shapes a plugin module may take (default
// export, factory function, or bare object) to a single uniform trait,
// so the loader stores only Factory.Build's result.
type Factory interface {
	Build(cfg Config) (Hook, error)
}

// FactoryFunc lets an ordinary function satisfy Factory.
type FactoryFunc func(cfg Config) (Hook, error)

// Build calls f.
func (f FactoryFunc) Build(cfg Config) (Hook, error) { return f(cfg) }

// Chain runs a sequence of hooks in order, stopping at the first Short
// result.
type Chain struct {
	hooks []Hook
}

// NewChain builds a Chain from the given hooks, in invocation order.
func NewChain(hooks ...Hook) *Chain {
	return &Chain{hooks: hooks}
}

// RunRequest runs every hook's OnRequest in order until one short-circuits
// or the chain is exhausted.
func (c *Chain) RunRequest(ctx context.Context, req *http.Request) (Result, error) {
	current := req
	for _, h := range c.hooks {
		res, err := h.OnRequest(ctx, current)
		if err != nil {
			return Result{}, err
		}
		if res.Terminated() {
			return res, nil
		}
		current = res.Request
	}
	return Continue(current), nil
}

// RunResponse runs every hook's OnResponse in order until one short-
// circuits or the chain is exhausted.
func (c *Chain) RunResponse(ctx context.Context, req *http.Request, resp *Response) (Result, error) {
	current := resp
	for _, h := range c.hooks {
		res, err := h.OnResponse(ctx, req, current)
		if err != nil {
			return Result{}, err
		}
		if res.Terminated() {
			return res, nil
		}
		current = res.Response
	}
	return Short(current), nil
}
