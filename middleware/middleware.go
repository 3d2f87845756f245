// Package middleware wraps server-side request handling in an onion of
// cross-cutting concerns:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"peerlink/message"
)

// HandlerFunc turns one request into exactly one response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
