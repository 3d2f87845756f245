package middleware

import (
	"context"
	"time"

	"peerlink/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("request_id", req.ID),
				zap.String("source", req.Source),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.Error != nil {
				logger.Warn("request failed", append(fields,
					zap.String("code", string(resp.Error.Code)),
					zap.String("error", resp.Error.Message))...)
			} else {
				logger.Debug("request handled", fields...)
			}
			return resp
		}
	}
}
