package middleware

import (
	"context"
	"fmt"

	"peerlink/message"
)

// RecoverMiddleware turns a handler panic into a handler_error reply so one
// bad handler cannot take the connection down. It must sit inside
// TimeoutMiddleware, which runs the rest of the chain on its own goroutine.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = message.NewError(req, message.CodeHandlerError, fmt.Sprint(r))
				}
			}()
			return next(ctx, req)
		}
	}
}
