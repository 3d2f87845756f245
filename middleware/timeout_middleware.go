package middleware

import (
	"context"
	"time"

	"peerlink/message"
)

// TimeoutMiddleware bounds the rest of the chain. On expiry the caller gets a
// handler_timeout reply right away; the handler sees its ctx cancelled and its
// eventual result is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewError(req, message.CodeHandlerTimeout, "Handler execution timed out")
			}
		}
	}
}
