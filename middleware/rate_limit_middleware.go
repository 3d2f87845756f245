package middleware

import (
	"context"

	"golang.org/x/time/rate"
	"peerlink/message"
)

// RateLimitMiddleware admits requests through a token bucket refilled at r per
// second with the given burst; the rest get a rate_limited reply.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewError(req, message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
