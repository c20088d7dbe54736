// Package middleware wraps method dispatch in an onion of cross-cutting concerns:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// A handler returns when the invoked method returns. Asynchronous methods deliver their
// outcome later, so middleware that needs the final outcome registers Request.OnDone.
package middleware

import (
	"context"
	"sync"
)

// Request describes one invocation as seen by the dispatch pipeline.
type Request struct {
	InvocationID string
	ServiceID    string
	Method       string
	Signature    string
	Metadata     map[string]string

	mu       sync.Mutex
	done     []func(result any, err error)
	complete bool
}

// OnDone registers fn to run with the invocation's terminal outcome. Hooks run in reverse
// registration order, so the outermost middleware sees the outcome last.
func (r *Request) OnDone(fn func(result any, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, fn)
}

// Complete runs the OnDone hooks. Only the first call has any effect.
func (r *Request) Complete(result any, err error) {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	r.complete = true
	hooks := r.done
	r.done = nil
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](result, err)
	}
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
